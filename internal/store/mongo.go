package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/zhouzirui/ollama-chat/backend/internal/model/chat"
)

const mongoBatchSize = 50

// MongoConfig locates the conversations collection.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// MongoStore keeps one document per session, messages embedded in order.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

type mongoSession struct {
	ID        string         `bson:"_id"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
	Title     string         `bson:"title,omitempty"`
	Messages  []mongoMessage `bson:"messages"`
}

type mongoMessage struct {
	Role      string    `bson:"role"`
	Content   string    `bson:"content"`
	Model     string    `bson:"model,omitempty"`
	Timestamp time.Time `bson:"timestamp"`
}

// NewMongoStore connects, pings the primary and ensures the listing index.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo: connection uri is required")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	index := mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: -1}},
		Options: options.Index().SetName("created_at_desc"),
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: create index: %w", err)
	}

	return &MongoStore{client: client, coll: coll, now: time.Now}, nil
}

func (s *MongoStore) CreateSession(ctx context.Context, sessionID string) (chat.Session, error) {
	if err := ValidateID(sessionID); err != nil {
		return chat.Session{}, err
	}

	now := chat.NormalizeTime(s.now())
	doc := mongoSession{
		ID:        sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []mongoMessage{},
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return chat.Session{}, ErrDuplicateSession
		}
		return chat.Session{}, fmt.Errorf("mongo: insert session: %w", err)
	}

	return doc.toSession(), nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, sessionID string, msg chat.Message) (chat.Message, error) {
	if err := validateMessage(msg); err != nil {
		return chat.Message{}, err
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		stored, ok, err := s.tryAppend(ctx, sessionID, msg)
		if err != nil {
			return chat.Message{}, err
		}
		if ok {
			return stored, nil
		}
	}
	return chat.Message{}, fmt.Errorf("mongo: %w", ErrAppendConflict)
}

// tryAppend pushes msg unless another message with an equal or later
// timestamp landed since the tail was read. ok is false in that case.
func (s *MongoStore) tryAppend(ctx context.Context, sessionID string, msg chat.Message) (chat.Message, bool, error) {
	var tail mongoSession
	projection := bson.D{
		{Key: "title", Value: 1},
		{Key: "messages", Value: bson.D{{Key: "$slice", Value: -1}}},
	}
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: sessionID}}, options.FindOne().SetProjection(projection)).Decode(&tail)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Message{}, false, ErrSessionNotFound
	}
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("mongo: load session tail: %w", err)
	}

	var last time.Time
	if n := len(tail.Messages); n > 0 {
		last = tail.Messages[n-1].Timestamp
	}
	msg = chat.Stamp(msg, last, s.now())

	set := bson.D{{Key: "updated_at", Value: chat.NormalizeTime(s.now())}}
	if title := chat.TitleAfter(tail.Title, msg); title != tail.Title {
		set = append(set, bson.E{Key: "title", Value: title})
	}
	filter := bson.D{
		{Key: "_id", Value: sessionID},
		{Key: "messages.timestamp", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$gte", Value: msg.Timestamp}}}}},
	}
	update := bson.D{
		{Key: "$push", Value: bson.D{{Key: "messages", Value: fromMessage(msg)}}},
		{Key: "$set", Value: set},
	}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("mongo: append message: %w", err)
	}
	// zero matches: deleted meanwhile (next read reports it) or lost a race
	return msg, res.MatchedCount == 1, nil
}

func (s *MongoStore) ListSessions(ctx context.Context) iter.Seq2[chat.Summary, error] {
	return func(yield func(chat.Summary, error) bool) {
		opts := options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
			SetProjection(bson.D{{Key: "created_at", Value: 1}, {Key: "title", Value: 1}}).
			SetBatchSize(mongoBatchSize)

		cursor, err := s.coll.Find(ctx, bson.D{}, opts)
		if err != nil {
			yield(chat.Summary{}, fmt.Errorf("mongo: list sessions: %w", err))
			return
		}
		defer cursor.Close(context.Background())

		for cursor.Next(ctx) {
			var doc mongoSession
			if err := cursor.Decode(&doc); err != nil {
				yield(chat.Summary{}, fmt.Errorf("mongo: decode session: %w", err))
				return
			}
			if !yield(doc.toSession().Summary(), nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(chat.Summary{}, fmt.Errorf("mongo: iterate sessions: %w", err))
		}
	}
}

func (s *MongoStore) LoadSession(ctx context.Context, sessionID string) (chat.Session, error) {
	var doc mongoSession
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: sessionID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("mongo: load session: %w", err)
	}
	return doc.toSession(), nil
}

func (s *MongoStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: sessionID}}); err != nil {
		return fmt.Errorf("mongo: delete session: %w", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (d mongoSession) toSession() chat.Session {
	messages := make([]chat.Message, 0, len(d.Messages))
	for _, m := range d.Messages {
		messages = append(messages, chat.Message{
			Role:      chat.Role(m.Role),
			Content:   m.Content,
			Model:     m.Model,
			Timestamp: m.Timestamp.UTC(),
		})
	}
	return chat.Session{
		ID:        d.ID,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
		Title:     d.Title,
		Messages:  messages,
	}
}

func fromMessage(m chat.Message) mongoMessage {
	return mongoMessage{
		Role:      string(m.Role),
		Content:   m.Content,
		Model:     m.Model,
		Timestamp: m.Timestamp,
	}
}
