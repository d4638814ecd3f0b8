// Package mongo persists conversation aggregates as single documents.
// The store exposes exactly the primitives the graph core relies on:
// whole-document reads, last-write-wins replaces, and one conditional
// update used for dedup-safe branch insertion. There are no
// multi-document transactions.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tangentchat/internal/graph"
)

const collectionName = "conversations"

// Store implements graph.Store on a MongoDB collection.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Connect dials the database and pings it before returning a Store.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	log.Info().Str("database", database).Msg("connected to MongoDB")
	return &Store{
		client: client,
		coll:   client.Database(database).Collection(collectionName),
	}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) FindByID(ctx context.Context, id string) (*graph.Conversation, error) {
	var conv graph.Conversation
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, graph.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (s *Store) Create(ctx context.Context, c *graph.Conversation) error {
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.coll.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		return graph.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert conversation %s: %w", c.ID, err)
	}
	return nil
}

// Save replaces the whole aggregate. Concurrent writers race; the later
// replace wins.
func (s *Store) Save(ctx context.Context, c *graph.Conversation) error {
	c.UpdatedAt = time.Now()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": c.ID}, c)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	if res.MatchedCount == 0 {
		return graph.ErrNotFound
	}
	return nil
}

// InsertBranchIfAbsent pushes the branch in a single conditional update:
// the filter admits the document only when no existing branch carries
// this branch id or this fork point. When the filter matches nothing we
// distinguish a missing conversation from a lost race with a second read.
func (s *Store) InsertBranchIfAbsent(ctx context.Context, conversationID string, b graph.Branch) error {
	filter := bson.M{
		"_id":                      conversationID,
		"branches.id":              bson.M{"$ne": b.ID},
		"branches.parentMessageId": bson.M{"$ne": b.ParentMessageID},
	}
	update := bson.M{
		"$push": bson.M{"branches": b},
		"$set":  bson.M{"updatedAt": time.Now()},
	}
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		exists, cerr := s.exists(ctx, conversationID)
		if cerr != nil {
			return cerr
		}
		if exists {
			return graph.ErrConflict
		}
		return graph.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("conditional branch insert on %s: %w", conversationID, err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	count, err := s.coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count conversation %s: %w", id, err)
	}
	return count > 0, nil
}
