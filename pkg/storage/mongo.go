package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// MongoFingerprintStore keeps writing fingerprints in MongoDB, one document per user
type MongoFingerprintStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoFingerprintStore connects and returns a fingerprint store
func NewMongoFingerprintStore(ctx context.Context, uri, database string) (*MongoFingerprintStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoFingerprintStore{
		client:     client,
		collection: client.Database(database).Collection("fingerprints"),
	}, nil
}

// Save merges a new fingerprint sample into the stored one. Averages are
// weighted by the number of samples already recorded.
func (s *MongoFingerprintStore) Save(ctx context.Context, fp *domain.Fingerprint) error {
	if fp == nil || fp.UserID == "" {
		return fmt.Errorf("fingerprint user ID is required")
	}

	merged := *fp
	existing, err := s.Get(ctx, fp.UserID)
	if err == nil {
		merged = MergeFingerprint(*existing, *fp)
	}
	merged.UpdatedAt = time.Now().UTC()

	_, err = s.collection.UpdateOne(ctx,
		bson.M{"_id": merged.UserID},
		bson.M{"$set": merged},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert fingerprint %s: %w", fp.UserID, err)
	}
	return nil
}

// Get loads the fingerprint of a user
func (s *MongoFingerprintStore) Get(ctx context.Context, userID string) (*domain.Fingerprint, error) {
	var fp domain.Fingerprint
	err := s.collection.FindOne(ctx, bson.M{"_id": userID}).Decode(&fp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("fingerprint not found for user: %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("find fingerprint %s: %w", userID, err)
	}
	return &fp, nil
}

// Close disconnects the client
func (s *MongoFingerprintStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// MergeFingerprint folds a new sample into an existing fingerprint
func MergeFingerprint(existing, sample domain.Fingerprint) domain.Fingerprint {
	n := float64(existing.Samples)
	if n < 1 {
		return sample
	}
	add := float64(sample.Samples)
	if add < 1 {
		add = 1
	}
	total := n + add
	avg := func(a, b float64) float64 { return (a*n + b*add) / total }

	return domain.Fingerprint{
		UserID:            existing.UserID,
		AvgSentenceLength: avg(existing.AvgSentenceLength, sample.AvgSentenceLength),
		CitationDensity:   avg(existing.CitationDensity, sample.CitationDensity),
		Formality:         avg(existing.Formality, sample.Formality),
		AvgQualityScore:   avg(existing.AvgQualityScore, sample.AvgQualityScore),
		WordCount:         existing.WordCount + sample.WordCount,
		ParagraphCount:    existing.ParagraphCount + sample.ParagraphCount,
		Samples:           existing.Samples + int(add),
		UpdatedAt:         sample.UpdatedAt,
	}
}
