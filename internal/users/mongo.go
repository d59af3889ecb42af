package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// userDocument is the stored shape of an account in the users collection.
type userDocument struct {
	ID       primitive.ObjectID `bson:"_id"`
	Name     string             `bson:"name"`
	Username string             `bson:"username"`
	Email    string             `bson:"email"`
	Password string             `bson:"password"`
	Role     string             `bson:"role"`
}

func (d userDocument) user() User {
	return User{
		ID:           d.ID.Hex(),
		Name:         d.Name,
		Username:     d.Username,
		Email:        d.Email,
		Role:         d.Role,
		PasswordHash: d.Password,
	}
}

// MongoDirectory reads accounts from a MongoDB collection.
type MongoDirectory struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
	logger     *slog.Logger
}

var _ Directory = (*MongoDirectory)(nil)

// MongoOptions configures ConnectMongo.
type MongoOptions struct {
	URI        string
	Database   string
	Collection string
	AppName    string
	Timeout    time.Duration
}

// ConnectMongo dials MongoDB, verifies the connection and returns a directory
// over the configured collection.
func ConnectMongo(ctx context.Context, opts MongoOptions, logger *slog.Logger) (*MongoDirectory, error) {
	logger = logger.With(slog.String("component", "user_directory"))
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	clientOptions := options.Client().
		ApplyURI(opts.URI).
		SetAppName(opts.AppName).
		SetConnectTimeout(opts.Timeout).
		SetServerSelectionTimeout(opts.Timeout)
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.Debug("Database connection created", "address", evt.Address)
			case event.ConnectionClosed:
				logger.Debug("Database connection closed", "address", evt.Address, "reason", evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	logger.Info("Connected to MongoDB", "database", opts.Database, "collection", opts.Collection)
	return &MongoDirectory{
		client:     client,
		collection: client.Database(opts.Database).Collection(opts.Collection),
		timeout:    opts.Timeout,
		logger:     logger,
	}, nil
}

func (m *MongoDirectory) FindByUsername(ctx context.Context, username string) (User, error) {
	return m.findOne(ctx, bson.D{{Key: "username", Value: username}})
}

func (m *MongoDirectory) FindByEmail(ctx context.Context, email string) (User, error) {
	return m.findOne(ctx, bson.D{{Key: "email", Value: email}})
}

func (m *MongoDirectory) findOne(ctx context.Context, filter bson.D) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var doc userDocument
	err := m.collection.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find user: %w", err)
	}
	return doc.user(), nil
}

// Close disconnects the client.
func (m *MongoDirectory) Close(ctx context.Context) error {
	m.logger.Info("Closing database connection")
	return m.client.Disconnect(ctx)
}
