package agent

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sealed_chat/internal/model"
)

type (
	// AgentRepo is the registry of agents that have ever connected.
	AgentRepo struct {
		collection *mongo.Collection
	}
)

func NewAgentRepo(db *mongo.Database) *AgentRepo {
	return &AgentRepo{
		collection: db.Collection("agents"),
	}
}

func (r *AgentRepo) GetByHandle(ctx context.Context, handle string) (*model.Agent, error) {
	filter := bson.M{
		"handle": handle,
	}

	var agent model.Agent
	err := r.collection.FindOne(ctx, filter).Decode(&agent)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &agent, nil
}

// Touch records that the agent connected now with the given session key,
// creating the registry entry on first contact.
func (r *AgentRepo) Touch(ctx context.Context, handle string, sessionKey []byte) error {
	filter := bson.M{
		"handle": handle,
	}
	update := bson.M{
		"$set": bson.M{
			"handle":      handle,
			"session_key": sessionKey,
			"last_seen":   time.Now().UTC(),
		},
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Handles lists every registered agent handle.
func (r *AgentRepo) Handles(ctx context.Context) ([]string, error) {
	cur, err := r.collection.Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"handle": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var handles []string
	for cur.Next(ctx) {
		var doc struct {
			Handle string `bson:"handle"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		handles = append(handles, doc.Handle)
	}
	return handles, cur.Err()
}
