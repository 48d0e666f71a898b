package store_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zhouzirui/ollama-chat/backend/internal/store"
	"github.com/zhouzirui/ollama-chat/backend/internal/store/storetest"
)

// Set MONGODB_TEST_URI to run against a live server.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		dbName := "llmchat_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

		s, err := store.NewMongoStore(ctx, store.MongoConfig{
			URI:        uri,
			Database:   dbName,
			Collection: "conversations",
		})
		if err != nil {
			t.Fatalf("NewMongoStore err: %v", err)
		}
		t.Cleanup(func() {
			s.Close(context.Background())
			dropMongoDatabase(t, uri, dbName)
		})
		return s
	})
}

func dropMongoDatabase(t *testing.T, uri, dbName string) {
	t.Helper()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Logf("drop %s: connect: %v", dbName, err)
		return
	}
	defer client.Disconnect(context.Background())

	if err := client.Database(dbName).Drop(context.Background()); err != nil {
		t.Logf("drop %s: %v", dbName, err)
	}
}
