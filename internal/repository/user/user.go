package user

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
	UserRepo struct {
		collection *mongo.Collection
	}

	userDoc struct {
		ID                primitive.ObjectID `bson:"_id,omitempty"`
		Name              string             `bson:"name"`
		PublicKey         string             `bson:"publicKey"`
		WrappedPrivateKey string             `bson:"wrappedPrivateKey,omitempty"`
		CreatedAt         time.Time          `bson:"createdAt"`
	}
)

var _ repository.Users = (*UserRepo)(nil)

func NewUserRepo(db *mongo.Database) *UserRepo {
	return &UserRepo{
		collection: db.Collection("users"),
	}
}

func (r *UserRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *UserRepo) GetUserByName(ctx context.Context, name string) (*model.User, error) {
	return r.findOne(ctx, bson.M{"name": name})
}

func (r *UserRepo) GetUser(ctx context.Context, id string) (*model.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}
	return r.findOne(ctx, bson.M{"_id": oid})
}

func (r *UserRepo) findOne(ctx context.Context, filter bson.M) (*model.User, error) {
	var doc userDoc
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return doc.model(), nil
}

func (r *UserRepo) CreateUser(ctx context.Context, user *model.User) error {
	doc := userDoc{
		Name:              user.Name,
		PublicKey:         user.PublicKey,
		WrappedPrivateKey: user.WrappedPrivateKey,
		CreatedAt:         user.CreatedAt,
	}

	res, err := r.collection.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return repository.ErrDuplicate
	}
	if err != nil {
		return err
	}

	user.ID = res.InsertedID.(primitive.ObjectID).Hex()
	return nil
}

func (d *userDoc) model() *model.User {
	return &model.User{
		ID:                d.ID.Hex(),
		Name:              d.Name,
		PublicKey:         d.PublicKey,
		WrappedPrivateKey: d.WrappedPrivateKey,
		CreatedAt:         d.CreatedAt,
	}
}
