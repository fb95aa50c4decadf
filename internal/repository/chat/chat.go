package chat

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
	ChatRepo struct {
		chats        *mongo.Collection
		participants *mongo.Collection
	}

	chatDoc struct {
		ID        primitive.ObjectID `bson:"_id,omitempty"`
		Type      model.ChatType     `bson:"type"`
		Name      string             `bson:"name,omitempty"`
		DirectKey string             `bson:"directKey,omitempty"`
		CreatedAt time.Time          `bson:"createdAt"`
		UpdatedAt time.Time          `bson:"updatedAt"`
	}

	participantDoc struct {
		ChatID     string     `bson:"chatId"`
		UserID     string     `bson:"userId"`
		Role       model.Role `bson:"role"`
		LastReadAt time.Time  `bson:"lastReadAt"`
	}
)

var _ repository.Chats = (*ChatRepo)(nil)

func NewChatRepo(db *mongo.Database) *ChatRepo {
	return &ChatRepo{
		chats:        db.Collection("chats"),
		participants: db.Collection("participants"),
	}
}

func (r *ChatRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.participants.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "chatId", Value: 1}, {Key: "userId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "userId", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = r.chats.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "directKey", Value: 1}},
		Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"directKey": bson.M{"$exists": true}}),
	})
	return err
}

func (r *ChatRepo) CreateChat(ctx context.Context, chat *model.Chat, participants []model.Participant) error {
	doc := chatDoc{
		Type:      chat.Type,
		Name:      chat.Name,
		CreatedAt: chat.CreatedAt,
		UpdatedAt: chat.UpdatedAt,
	}
	if chat.Type == model.ChatDirect && len(participants) == 2 {
		doc.DirectKey = repository.DirectKey(participants[0].UserID, participants[1].UserID)
	}

	res, err := r.chats.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return repository.ErrDuplicate
	}
	if err != nil {
		return err
	}
	chat.ID = res.InsertedID.(primitive.ObjectID).Hex()

	docs := make([]interface{}, 0, len(participants))
	for _, p := range participants {
		docs = append(docs, participantDoc{
			ChatID:     chat.ID,
			UserID:     p.UserID,
			Role:       p.Role,
			LastReadAt: p.LastReadAt,
		})
	}
	if len(docs) == 0 {
		return nil
	}
	_, err = r.participants.InsertMany(ctx, docs)
	return err
}

func (r *ChatRepo) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}
	return r.findChat(ctx, bson.M{"_id": oid})
}

func (r *ChatRepo) FindDirectChat(ctx context.Context, a, b string) (*model.Chat, error) {
	return r.findChat(ctx, bson.M{"directKey": repository.DirectKey(a, b)})
}

func (r *ChatRepo) findChat(ctx context.Context, filter bson.M) (*model.Chat, error) {
	var doc chatDoc
	err := r.chats.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.model(), nil
}

func (r *ChatRepo) ListChats(ctx context.Context, userID string) ([]model.Chat, error) {
	cur, err := r.participants.Find(ctx, bson.M{"userId": userID})
	if err != nil {
		return nil, err
	}
	var memberships []participantDoc
	if err := cur.All(ctx, &memberships); err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return nil, nil
	}

	ids := make([]primitive.ObjectID, 0, len(memberships))
	for _, m := range memberships {
		oid, err := primitive.ObjectIDFromHex(m.ChatID)
		if err != nil {
			continue
		}
		ids = append(ids, oid)
	}

	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: 1}})
	cur, err = r.chats.Find(ctx, bson.M{"_id": bson.M{"$in": ids}}, opts)
	if err != nil {
		return nil, err
	}
	var docs []chatDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	res := make([]model.Chat, len(docs))
	for i := range docs {
		res[i] = *docs[i].model()
	}
	return res, nil
}

func (r *ChatRepo) GetParticipant(ctx context.Context, chatID, userID string) (*model.Participant, error) {
	var doc participantDoc
	err := r.participants.FindOne(ctx, bson.M{"chatId": chatID, "userId": userID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := doc.model()
	return &p, nil
}

func (r *ChatRepo) ListParticipants(ctx context.Context, chatID string) ([]model.Participant, error) {
	opts := options.Find().SetSort(bson.D{{Key: "userId", Value: 1}})
	cur, err := r.participants.Find(ctx, bson.M{"chatId": chatID}, opts)
	if err != nil {
		return nil, err
	}
	var docs []participantDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	res := make([]model.Participant, len(docs))
	for i, d := range docs {
		res[i] = d.model()
	}
	return res, nil
}

func (r *ChatRepo) TouchChat(ctx context.Context, chatID string, at time.Time) error {
	oid, err := primitive.ObjectIDFromHex(chatID)
	if err != nil {
		return nil
	}
	_, err = r.chats.UpdateOne(ctx,
		bson.M{"_id": oid, "updatedAt": bson.M{"$lt": at}},
		bson.M{"$set": bson.M{"updatedAt": at}},
	)
	return err
}

func (r *ChatRepo) SetLastRead(ctx context.Context, chatID, userID string, at time.Time) (time.Time, error) {
	_, err := r.participants.UpdateOne(ctx,
		bson.M{"chatId": chatID, "userId": userID, "lastReadAt": bson.M{"$lt": at}},
		bson.M{"$set": bson.M{"lastReadAt": at}},
	)
	if err != nil {
		return time.Time{}, err
	}

	p, err := r.GetParticipant(ctx, chatID, userID)
	if err != nil || p == nil {
		return time.Time{}, err
	}
	return p.LastReadAt, nil
}

func (d *chatDoc) model() *model.Chat {
	return &model.Chat{
		ID:        d.ID.Hex(),
		Type:      d.Type,
		Name:      d.Name,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func (d participantDoc) model() model.Participant {
	return model.Participant{
		UserID:     d.UserID,
		ChatID:     d.ChatID,
		Role:       d.Role,
		LastReadAt: d.LastReadAt,
	}
}
