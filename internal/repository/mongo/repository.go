package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"torrentcore/internal/domain"
	"torrentcore/internal/metrics"
)

// ResumeStore keeps resume artifacts in one document per transfer. The resume
// blob and metadata are written by separate upserts so either may exist on
// its own.
type ResumeStore struct {
	collection *mongo.Collection
	now        func() time.Time
}

type selectionDoc struct {
	Include    []string          `bson:"include,omitempty"`
	Exclude    []string          `bson:"exclude,omitempty"`
	SkipFluff  bool              `bson:"skipFluff"`
	Priorities map[string]string `bson:"priorities,omitempty"`
}

type metadataDoc struct {
	Selection   selectionDoc `bson:"selection"`
	DownloadDir string       `bson:"downloadDir,omitempty"`
	Sequential  bool         `bson:"sequential"`
	UpdatedAt   int64        `bson:"updatedAt"`
}

type resumeDoc struct {
	ID        string       `bson:"_id"`
	Resume    []byte       `bson:"resume,omitempty"`
	Metadata  *metadataDoc `bson:"metadata,omitempty"`
	UpdatedAt int64        `bson:"updatedAt"`
}

func NewResumeStore(client *mongo.Client, dbName, collectionName string) *ResumeStore {
	return &ResumeStore{
		collection: client.Database(dbName).Collection(collectionName),
		now:        time.Now,
	}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *ResumeStore) EnsureInitialized(ctx context.Context) error {
	if s == nil || s.collection == nil {
		return nil
	}
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updatedAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("ensure resume indexes: %w", err)
	}
	return nil
}

func (s *ResumeStore) WriteFastresume(ctx context.Context, id domain.TorrentID, data []byte) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{
			"resume":    data,
			"updatedAt": s.now().UTC().Unix(),
		}},
		options.Update().SetUpsert(true),
	)
	observe("write_fastresume", err)
	if err != nil {
		return fmt.Errorf("write fastresume %s: %w", id, err)
	}
	return nil
}

func (s *ResumeStore) WriteMetadata(ctx context.Context, id domain.TorrentID, md domain.StoredTorrentMetadata) error {
	md.UpdatedAt = s.now().UTC()
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{
			"metadata":  toMetadataDoc(md),
			"updatedAt": md.UpdatedAt.Unix(),
		}},
		options.Update().SetUpsert(true),
	)
	observe("write_metadata", err)
	if err != nil {
		return fmt.Errorf("write metadata %s: %w", id, err)
	}
	return nil
}

func (s *ResumeStore) Remove(ctx context.Context, id domain.TorrentID) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": id.String()})
	observe("remove", err)
	if err != nil {
		return fmt.Errorf("remove resume entry %s: %w", id, err)
	}
	return nil
}

func (s *ResumeStore) LoadAll(ctx context.Context) ([]domain.StoredTorrentState, error) {
	cursor, err := s.collection.Find(ctx, bson.M{})
	if err != nil {
		observe("load_all", err)
		return nil, fmt.Errorf("load resume entries: %w", err)
	}
	defer cursor.Close(ctx)

	var (
		out  []domain.StoredTorrentState
		errs []error
	)
	for cursor.Next(ctx) {
		var doc resumeDoc
		if err := cursor.Decode(&doc); err != nil {
			errs = append(errs, fmt.Errorf("%w: decode resume document: %v", domain.ErrCorruptMetadata, err))
			continue
		}
		st, err := fromDoc(doc)
		if err != nil {
			errs = append(errs, err)
			if st.ID.IsZero() {
				continue
			}
		}
		out = append(out, st)
	}
	if err := cursor.Err(); err != nil {
		errs = append(errs, fmt.Errorf("iterate resume entries: %w", err))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})

	loadErr := errors.Join(errs...)
	observe("load_all", loadErr)
	return out, loadErr
}

func toMetadataDoc(md domain.StoredTorrentMetadata) *metadataDoc {
	doc := &metadataDoc{
		Selection: selectionDoc{
			Include:   md.Selection.Rules.Include,
			Exclude:   md.Selection.Rules.Exclude,
			SkipFluff: md.Selection.Rules.SkipFluff,
		},
		DownloadDir: md.DownloadDir,
		Sequential:  md.Sequential,
		UpdatedAt:   md.UpdatedAt.Unix(),
	}
	if len(md.Selection.Priorities) > 0 {
		doc.Selection.Priorities = make(map[string]string, len(md.Selection.Priorities))
		for idx, p := range md.Selection.Priorities {
			doc.Selection.Priorities[fmt.Sprint(idx)] = string(p)
		}
	}
	return doc
}

func fromDoc(doc resumeDoc) (domain.StoredTorrentState, error) {
	id, err := domain.ParseTorrentID(doc.ID)
	if err != nil {
		return domain.StoredTorrentState{}, fmt.Errorf("%w: %v", domain.ErrCorruptMetadata, err)
	}
	st := domain.StoredTorrentState{ID: id, ResumeData: doc.Resume}
	if doc.Metadata == nil {
		return st, nil
	}

	md := domain.StoredTorrentMetadata{
		Selection: domain.FileSelection{
			Rules: domain.SelectionRules{
				Include:   doc.Metadata.Selection.Include,
				Exclude:   doc.Metadata.Selection.Exclude,
				SkipFluff: doc.Metadata.Selection.SkipFluff,
			},
		},
		DownloadDir: doc.Metadata.DownloadDir,
		Sequential:  doc.Metadata.Sequential,
		UpdatedAt:   timeFromUnix(doc.Metadata.UpdatedAt),
	}
	if len(doc.Metadata.Selection.Priorities) > 0 {
		md.Selection.Priorities = make(map[int]domain.FilePriority, len(doc.Metadata.Selection.Priorities))
		for key, raw := range doc.Metadata.Selection.Priorities {
			var idx int
			if _, err := fmt.Sscan(key, &idx); err != nil {
				return st, fmt.Errorf("%w: %s priority key %q", domain.ErrCorruptMetadata, id, key)
			}
			p, err := domain.ParseFilePriority(raw)
			if err != nil {
				return st, fmt.Errorf("%w: %s: %v", domain.ErrCorruptMetadata, id, err)
			}
			md.Selection.Priorities[idx] = p
		}
	}
	st.Metadata = &md
	return st, nil
}

func timeFromUnix(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ResumeStoreOpsTotal.WithLabelValues(op, result).Inc()
}
