// Package mongo implements store.Store on a MongoDB collection. Each record
// is a document {_id: key, data: encoded record}. Compare-exchange replaces
// the document only if it still holds the exact bytes that were compared,
// which MongoDB applies atomically per document.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.mongodb.org/mongo-driver/bson"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mirkobrombin/go-txstate/pkg/store"
)

type document struct {
	ID   string `bson:"_id"`
	Data []byte `bson:"data"`
}

type Store[T any] struct {
	coll   *mongodrv.Collection
	schema store.Schema[T]
}

// New binds schema to the collection named after it in db.
func New[T any](db *mongodrv.Database, schema store.Schema[T]) (*Store[T], error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &Store[T]{coll: db.Collection(schema.Name), schema: schema}, nil
}

func (s *Store[T]) find(ctx context.Context, key string) (document, bool, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongodrv.ErrNoDocuments) {
		return doc, false, nil
	}
	return doc, err == nil, err
}

func (s *Store[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	doc, found, err := s.find(ctx, key)
	if err != nil || !found {
		return zero, false, err
	}
	v, err := s.schema.Decode(doc.Data)
	if err != nil {
		return zero, false, fmt.Errorf("mongo: decode %q: %w", key, err)
	}
	return v, true, nil
}

func (s *Store[T]) GetOne(ctx context.Context, match func(T) bool) (T, bool, error) {
	for v, err := range s.GetMany(ctx, match) {
		if err != nil {
			var zero T
			return zero, false, err
		}
		return v, true, nil
	}
	var zero T
	return zero, false, nil
}

// GetMany streams the collection in _id order through a server cursor.
func (s *Store[T]) GetMany(ctx context.Context, match func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
		cursor, err := s.coll.Find(ctx, bson.M{}, opts)
		if err != nil {
			yield(zero, err)
			return
		}
		defer cursor.Close(context.WithoutCancel(ctx))

		for cursor.Next(ctx) {
			var doc document
			if err := cursor.Decode(&doc); err != nil {
				if !yield(zero, err) {
					return
				}
				continue
			}
			v, err := s.schema.Decode(doc.Data)
			if err != nil {
				if !yield(zero, fmt.Errorf("mongo: decode %q: %w", doc.ID, err)) {
					return
				}
				continue
			}
			if store.Matches(match, v) && !yield(v, nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(zero, err)
		}
	}
}

func (s *Store[T]) CompareExchange(ctx context.Context, candidate T, comparand *T) (bool, error) {
	key, err := store.CheckKeys(s.schema, candidate, comparand)
	if err != nil {
		return false, err
	}
	data, err := s.schema.Encode(candidate)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if comparand == nil {
		_, err := s.coll.InsertOne(ctx, document{ID: key, Data: data})
		if mongodrv.IsDuplicateKeyError(err) {
			return false, nil
		}
		return err == nil, err
	}

	current, found, err := s.find(ctx, key)
	if err != nil || !found {
		return false, err
	}
	v, err := s.schema.Decode(current.Data)
	if err != nil {
		return false, fmt.Errorf("mongo: decode %q: %w", key, err)
	}
	if !s.schema.Equal(v, *comparand) {
		return false, nil
	}

	res, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": key, "data": current.Data},
		document{ID: key, Data: data},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (s *Store[T]) Remove(ctx context.Context, record T) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": s.schema.Key(record)})
	return err
}

var _ store.Store[struct{}] = (*Store[struct{}])(nil)
