package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/telemetry"
)

var (
	ErrQueueFull = errors.New("dynamostore: queue full")
	ErrClosed    = errors.New("dynamostore: closed")
)

// API is the part of *dynamodb.Client the store uses.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// NewClient loads the default AWS config. endpoint overrides the service
// URL, for local DynamoDB.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

type Item struct {
	SubjectId   string    `dynamodbav:"subject_id"`
	SubjectName string    `dynamodbav:"subject_name"`
	Latitude    float64   `dynamodbav:"latitude"`
	Longitude   float64   `dynamodbav:"longitude"`
	PlaceLabel  string    `dynamodbav:"place_label"`
	Activity    string    `dynamodbav:"activity"`
	Accuracy    float64   `dynamodbav:"accuracy"`
	Speed       *float64  `dynamodbav:"speed,omitempty"`
	Heading     *float64  `dynamodbav:"heading,omitempty"`
	CapturedAt  time.Time `dynamodbav:"captured_at"`
	UpdatedAt   time.Time `dynamodbav:"updated_at"`
}

func itemFor(loc telemetry.TrackedLocation, now time.Time) Item {
	return Item{
		SubjectId:   loc.SubjectId,
		SubjectName: loc.SubjectName,
		Latitude:    loc.Latitude,
		Longitude:   loc.Longitude,
		PlaceLabel:  loc.PlaceLabel,
		Activity:    string(loc.Activity),
		Accuracy:    loc.AccuracyMeters,
		Speed:       loc.SpeedMetersPerSecond,
		Heading:     loc.HeadingDegrees,
		CapturedAt:  loc.CapturedAt.UTC(),
		UpdatedAt:   now.UTC(),
	}
}

type op struct {
	put       *Item
	subjectId string
}

// Store mirrors the latest location per subject into a DynamoDB table keyed
// by subject_id. Writes are queued and applied by one worker in order.
type Store struct {
	mu      sync.Mutex
	log     log.Logger
	api     API
	table   string
	queue   chan op
	closed  bool
	done    chan struct{}
	timeout time.Duration
	now     func() time.Time
}

func NewStore(api API, table string, queueSize int) *Store {
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &Store{api: api, table: table}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "dynamostore").Str("table", table).Value()
	s.queue = make(chan op, queueSize)
	s.done = make(chan struct{})
	s.timeout = 10 * time.Second
	s.now = time.Now
	return s
}

func (s *Store) Run() {
	go s.worker()
}

func (s *Store) Save(ctx context.Context, loc telemetry.TrackedLocation) error {
	item := itemFor(loc, s.now())
	return s.enqueue(op{put: &item, subjectId: loc.SubjectId})
}

func (s *Store) Delete(ctx context.Context, subjectId string) error {
	return s.enqueue(op{subjectId: subjectId})
}

func (s *Store) enqueue(o op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- o:
		return nil
	default:
		s.log.Warn().Str("subject_id", o.subjectId).Msg("queue full, dropping write")
		return ErrQueueFull
	}
}

func (s *Store) worker() {
	defer close(s.done)
	for o := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		var err error
		if o.put != nil {
			err = s.put(ctx, o.put)
		} else {
			err = s.delete(ctx, o.subjectId)
		}
		cancel()
		if err != nil {
			s.log.Error().Err(err).Str("subject_id", o.subjectId).Msg("dynamodb write failed")
		}
	}
}

func (s *Store) put(ctx context.Context, item *Item) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	return err
}

func (s *Store) delete(ctx context.Context, subjectId string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]dynamodbtypes.AttributeValue{
			"subject_id": &dynamodbtypes.AttributeValueMemberS{Value: subjectId},
		},
	})
	return err
}

// Close stops accepting writes and waits until queued ones are applied.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}
