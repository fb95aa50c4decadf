package message

import (
	"context"
	"time"

	"sealed_chat/internal/model"
	"sealed_chat/internal/repository"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	MessageRepo struct {
		collection *mongo.Collection
	}

	messageDoc struct {
		ID          primitive.ObjectID `bson:"_id,omitempty"`
		ChatID      string             `bson:"chatId"`
		SenderID    string             `bson:"senderId"`
		Content     string             `bson:"content"`
		ReplyToID   string             `bson:"replyToId,omitempty"`
		IsForwarded bool               `bson:"isForwarded"`
		IsEdited    bool               `bson:"isEdited"`
		IsDeleted   bool               `bson:"isDeleted"`
		CreatedAt   time.Time          `bson:"createdAt"`
	}
)

var _ repository.Messages = (*MessageRepo)(nil)

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		collection: db.Collection("messages"),
	}
}

func (r *MessageRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "chatId", Value: 1}, {Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}},
	})
	return err
}

func (r *MessageRepo) CreateMessage(ctx context.Context, m *model.Message) error {
	doc := messageDoc{
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		Content:     m.EncryptedContent,
		ReplyToID:   m.ReplyToID,
		IsForwarded: m.IsForwarded,
		IsEdited:    m.IsEdited,
		IsDeleted:   m.IsDeleted,
		CreatedAt:   m.CreatedAt,
	}

	res, err := r.collection.InsertOne(ctx, doc)
	if err != nil {
		return err
	}

	m.ID = res.InsertedID.(primitive.ObjectID).Hex()
	return nil
}

func (r *MessageRepo) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}

	var doc messageDoc
	err = r.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.model(), nil
}

func (r *MessageRepo) UpdateMessage(ctx context.Context, id string, patch model.MessagePatch) (*model.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}

	set := bson.M{}
	if patch.EncryptedContent != nil {
		set["content"] = *patch.EncryptedContent
	}
	if patch.IsEdited != nil {
		set["isEdited"] = *patch.IsEdited
	}
	if patch.IsDeleted != nil {
		set["isDeleted"] = *patch.IsDeleted
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc messageDoc
	err = r.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": oid, "isDeleted": false},
		bson.M{"$set": set},
		opts,
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.model(), nil
}

func (r *MessageRepo) QueryMessages(ctx context.Context, chatID string, before *time.Time, limit int) ([]model.Message, error) {
	filter := bson.M{"chatId": chatID}
	if before != nil {
		filter["createdAt"] = bson.M{"$lt": *before}
	}

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	// newest first from the index, callers want oldest first
	res := make([]model.Message, len(docs))
	for i := range docs {
		res[len(docs)-1-i] = *docs[i].model()
	}
	return res, nil
}

func (d *messageDoc) model() *model.Message {
	return &model.Message{
		ID:               d.ID.Hex(),
		ChatID:           d.ChatID,
		SenderID:         d.SenderID,
		EncryptedContent: d.Content,
		ReplyToID:        d.ReplyToID,
		IsForwarded:      d.IsForwarded,
		IsEdited:         d.IsEdited,
		IsDeleted:        d.IsDeleted,
		CreatedAt:        d.CreatedAt,
	}
}
