// Package mongo implements storage.Backend on MongoDB: artifacts go to a
// GridFS bucket and lifecycle records to plain collections.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jmcleod/ironpki/internal/uuid"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/storage"
)

// DefaultBucket is the GridFS bucket artifacts are uploaded to.
const DefaultBucket = "ca_files"

const (
	collCAs          = "certificate_authorities"
	collCertificates = "certificates"
	collCSRs         = "csr_info"
)

// Options configures a Store.
type Options struct {
	URI      string
	Database string
	Bucket   string
}

// Store implements storage.Backend on a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	bucket *gridfs.Bucket
	owned  bool
}

var _ storage.Backend = (*Store)(nil)

// Open connects to MongoDB, ensures indexes and returns a Store that owns the
// client.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background()) //nolint:errcheck
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}
	s, err := NewRepository(ctx, client.Database(opts.Database), opts.Bucket)
	if err != nil {
		client.Disconnect(context.Background()) //nolint:errcheck
		return nil, err
	}
	s.client = client
	s.owned = true
	return s, nil
}

// NewRepository returns a Store on db. The caller keeps ownership of the
// client.
func NewRepository(ctx context.Context, db *mongo.Database, bucketName string) (*Store, error) {
	if bucketName == "" {
		bucketName = DefaultBucket
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(bucketName))
	if err != nil {
		return nil, fmt.Errorf("opening gridfs bucket %s: %w", bucketName, err)
	}
	s := &Store{client: db.Client(), db: db, bucket: bucket}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collCAs).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "common_name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating CA common name index: %w", err)
	}
	_, err = s.db.Collection(collCertificates).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expiry_date", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("creating certificate expiry index: %w", err)
	}
	return nil
}

// Close disconnects the client when the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

func mapError(err error, kind, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments), errors.Is(err, gridfs.ErrFileNotFound):
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrConflict)
	default:
		return fmt.Errorf("%s/%s: %w", kind, id, err)
	}
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

// Put streams r into GridFS. The artifact id is the hex file ObjectID.
func (s *Store) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	oid, err := s.bucket.UploadFromStream(name, r)
	if err != nil {
		return "", fmt.Errorf("uploading artifact %s: %w", name, err)
	}
	return oid.Hex(), nil
}

func (s *Store) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", id, storage.ErrNotFound)
	}
	stream, err := s.bucket.OpenDownloadStream(oid)
	if err != nil {
		return nil, mapError(err, "artifact", id)
	}
	return stream, nil
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

type caDoc struct {
	ID                     string    `bson:"_id"`
	CommonName             string    `bson:"common_name"`
	KeyArtifactID          string    `bson:"key_artifact_id"`
	CertArtifactID         string    `bson:"cert_artifact_id"`
	SerialArtifactID       string    `bson:"serial_artifact_id"`
	CRLArtifactID          string    `bson:"crl_artifact_id,omitempty"`
	IntermediateArtifactID string    `bson:"intermediate_artifact_id,omitempty"`
	NotAfter               time.Time `bson:"not_after"`
	CreatedAt              time.Time `bson:"created_at"`
}

func (d caDoc) model() model.CertificateAuthority {
	return model.CertificateAuthority{
		ID:                     d.ID,
		CommonName:             d.CommonName,
		KeyArtifactID:          d.KeyArtifactID,
		CertArtifactID:         d.CertArtifactID,
		SerialArtifactID:       d.SerialArtifactID,
		CRLArtifactID:          d.CRLArtifactID,
		IntermediateArtifactID: d.IntermediateArtifactID,
		NotAfter:               d.NotAfter.UTC(),
		CreatedAt:              d.CreatedAt.UTC(),
	}
}

type requesterDoc struct {
	Username     string `bson:"username"`
	Country      string `bson:"country"`
	Organization string `bson:"organization"`
	PublicKey    string `bson:"public_key,omitempty"`
	CSRID        string `bson:"csr_id,omitempty"`
}

type certDoc struct {
	ID               string       `bson:"_id"`
	CommonName       string       `bson:"common_name"`
	IssuedBy         string       `bson:"issued_by"`
	CAName           string       `bson:"ca_name,omitempty"`
	ArtifactID       string       `bson:"artifact_id"`
	KeyArtifactID    string       `bson:"key_artifact_id,omitempty"`
	Requester        requesterDoc `bson:"requester"`
	DateAuthorized   time.Time    `bson:"date_authorized"`
	SubscriptionDays int          `bson:"subscription_days"`
	ExpiryDate       time.Time    `bson:"expiry_date"`
	Version          int64        `bson:"version"`
}

// newCertDoc snapshots c, deriving the stored expiry from the record.
func newCertDoc(c *model.Certificate) certDoc {
	return certDoc{
		ID:               c.ID,
		CommonName:       c.CommonName,
		IssuedBy:         c.IssuedBy,
		CAName:           c.CAName,
		ArtifactID:       c.ArtifactID,
		KeyArtifactID:    c.KeyArtifactID,
		Requester:        requesterDoc(c.Requester),
		DateAuthorized:   c.DateAuthorized,
		SubscriptionDays: c.SubscriptionDays,
		// Stored only to serve the due-for-renewal query.
		ExpiryDate: c.ExpiryDate(),
	}
}

func (d certDoc) model() model.Certificate {
	return model.Certificate{
		ID:               d.ID,
		CommonName:       d.CommonName,
		IssuedBy:         d.IssuedBy,
		CAName:           d.CAName,
		ArtifactID:       d.ArtifactID,
		KeyArtifactID:    d.KeyArtifactID,
		Requester:        model.RequesterIdentity(d.Requester),
		DateAuthorized:   d.DateAuthorized.UTC(),
		SubscriptionDays: d.SubscriptionDays,
	}
}

type csrDoc struct {
	ID               string    `bson:"_id"`
	CommonName       string    `bson:"common_name"`
	Username         string    `bson:"username"`
	Organization     string    `bson:"organization"`
	Country          string    `bson:"country"`
	PublicKey        string    `bson:"public_key,omitempty"`
	SigningCA        string    `bson:"signing_ca,omitempty"`
	SubscriptionDays int       `bson:"subscription_days"`
	Status           string    `bson:"status"`
	CertificateID    string    `bson:"certificate_id,omitempty"`
	CreatedAt        time.Time `bson:"created_at"`
}

func (d csrDoc) model() model.CSR {
	return model.CSR{
		ID:               d.ID,
		CommonName:       d.CommonName,
		Username:         d.Username,
		Organization:     d.Organization,
		Country:          d.Country,
		PublicKey:        d.PublicKey,
		SigningCA:        d.SigningCA,
		SubscriptionDays: d.SubscriptionDays,
		Status:           model.CSRStatus(d.Status),
		CertificateID:    d.CertificateID,
		CreatedAt:        d.CreatedAt.UTC(),
	}
}

func findAll[D any, M any](ctx context.Context, coll *mongo.Collection, filter bson.M, sort bson.D, conv func(D) M) ([]M, error) {
	cur, err := coll.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, err
	}
	var docs []D
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]M, 0, len(docs))
	for _, d := range docs {
		out = append(out, conv(d))
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Certificate authorities
// ---------------------------------------------------------------------------

func (s *Store) CreateCA(ctx context.Context, ca *model.CertificateAuthority) error {
	if ca.ID == "" {
		ca.ID = uuid.New()
	}
	_, err := s.db.Collection(collCAs).InsertOne(ctx, caDoc{
		ID:                     ca.ID,
		CommonName:             ca.CommonName,
		KeyArtifactID:          ca.KeyArtifactID,
		CertArtifactID:         ca.CertArtifactID,
		SerialArtifactID:       ca.SerialArtifactID,
		CRLArtifactID:          ca.CRLArtifactID,
		IntermediateArtifactID: ca.IntermediateArtifactID,
		NotAfter:               ca.NotAfter,
		CreatedAt:              ca.CreatedAt,
	})
	return mapError(err, "ca", ca.CommonName)
}

func (s *Store) GetCA(ctx context.Context, id string) (*model.CertificateAuthority, error) {
	var d caDoc
	if err := s.db.Collection(collCAs).FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, mapError(err, "ca", id)
	}
	ca := d.model()
	return &ca, nil
}

func (s *Store) ListCAs(ctx context.Context) ([]model.CertificateAuthority, error) {
	out, err := findAll(ctx, s.db.Collection(collCAs), bson.M{},
		bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}, caDoc.model)
	if err != nil {
		return nil, fmt.Errorf("listing CAs: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

var certSort = bson.D{{Key: "date_authorized", Value: 1}, {Key: "_id", Value: 1}}

func (s *Store) CreateCertificate(ctx context.Context, cert *model.Certificate) error {
	if cert.ID == "" {
		cert.ID = uuid.New()
	}
	_, err := s.db.Collection(collCertificates).InsertOne(ctx, newCertDoc(cert))
	return mapError(err, "certificate", cert.ID)
}

func (s *Store) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	var d certDoc
	if err := s.db.Collection(collCertificates).FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, mapError(err, "certificate", id)
	}
	c := d.model()
	return &c, nil
}

func (s *Store) ListCertificates(ctx context.Context) ([]model.Certificate, error) {
	out, err := findAll(ctx, s.db.Collection(collCertificates), bson.M{}, certSort, certDoc.model)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	return out, nil
}

func (s *Store) ListCertificatesExpiringBy(ctx context.Context, t time.Time) ([]model.Certificate, error) {
	out, err := findAll(ctx, s.db.Collection(collCertificates),
		bson.M{"expiry_date": bson.M{"$lte": t}}, certSort, certDoc.model)
	if err != nil {
		return nil, fmt.Errorf("listing expiring certificates: %w", err)
	}
	return out, nil
}

// maxUpdateAttempts bounds the compare-and-swap loop in UpdateCertificate.
const maxUpdateAttempts = 10

// UpdateCertificate replaces the whole document so the stored expiry is
// recomputed together with the fields it depends on. The replace only lands
// if the document still carries the version that was read; otherwise the
// update is reapplied to the newer document.
func (s *Store) UpdateCertificate(ctx context.Context, id string, upd model.CertificateUpdate) (*model.Certificate, error) {
	coll := s.db.Collection(collCertificates)
	for range maxUpdateAttempts {
		var d certDoc
		if err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
			return nil, mapError(err, "certificate", id)
		}
		c := d.model()
		upd.Apply(&c)
		next := newCertDoc(&c)
		next.Version = d.Version + 1

		res, err := coll.ReplaceOne(ctx, bson.M{"_id": id, "version": d.Version}, next)
		if err != nil {
			return nil, mapError(err, "certificate", id)
		}
		if res.MatchedCount == 1 {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("certificate/%s: concurrent updates: %w", id, storage.ErrConflict)
}

// ---------------------------------------------------------------------------
// CSRs
// ---------------------------------------------------------------------------

func (s *Store) CreateCSR(ctx context.Context, csr *model.CSR) error {
	if csr.ID == "" {
		csr.ID = uuid.New()
	}
	_, err := s.db.Collection(collCSRs).InsertOne(ctx, csrDoc{
		ID:               csr.ID,
		CommonName:       csr.CommonName,
		Username:         csr.Username,
		Organization:     csr.Organization,
		Country:          csr.Country,
		PublicKey:        csr.PublicKey,
		SigningCA:        csr.SigningCA,
		SubscriptionDays: csr.SubscriptionDays,
		Status:           string(csr.Status),
		CertificateID:    csr.CertificateID,
		CreatedAt:        csr.CreatedAt,
	})
	return mapError(err, "csr", csr.ID)
}

func (s *Store) GetCSR(ctx context.Context, id string) (*model.CSR, error) {
	var d csrDoc
	if err := s.db.Collection(collCSRs).FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, mapError(err, "csr", id)
	}
	c := d.model()
	return &c, nil
}

func (s *Store) ListCSRs(ctx context.Context) ([]model.CSR, error) {
	out, err := findAll(ctx, s.db.Collection(collCSRs), bson.M{},
		bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}, csrDoc.model)
	if err != nil {
		return nil, fmt.Errorf("listing CSRs: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateCSR(ctx context.Context, id string, upd model.CSRUpdate) (*model.CSR, error) {
	set := bson.M{"status": string(upd.Status)}
	if upd.CertificateID != "" {
		set["certificate_id"] = upd.CertificateID
	}
	var d csrDoc
	err := s.db.Collection(collCSRs).FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err != nil {
		return nil, mapError(err, "csr", id)
	}
	c := d.model()
	return &c, nil
}
