package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	. "github.com/sgalti/sga/types"
	log "github.com/sirupsen/logrus"
)

const (
	studentUploadPrefix = "student-uploads"
	graderUploadPrefix  = "grader-uploads"
	maxDocumentSize     = 32 << 20
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentType     = errors.New("unsupported document type")
)

// allowedDocumentTypes maps accepted file extensions to the content type they must sniff as.
var allowedDocumentTypes = map[string]string{
	".pdf": "application/pdf",
}

// DocumentStore holds uploaded student and grader documents.
type DocumentStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// presigner is implemented by stores that can hand out direct download URLs.
type presigner interface {
	PresignGet(ctx context.Context, key string) (string, error)
}

var illegalKeyChars = regexp.MustCompile(`[^a-zA-Z0-9!\-_.*'()/]`)

// sanitizeKey replaces characters that are unsafe in object keys with underscores.
func sanitizeKey(key string) string {
	return illegalKeyChars.ReplaceAllString(key, "_")
}

// documentKey builds the storage key for a document.
// The user ID keeps keys distinct when names are missing or shared;
// the names only make the keys readable.
func documentKey(prefix string, course *Course, student *User, asst *Assignment, ext string) string {
	name := fmt.Sprintf("%s/%s/%d_%s_%s-%s%s", prefix, course.LtiID, student.ID, student.LastName, student.FirstName, asst.Name, strings.ToLower(ext))
	return sanitizeKey(name)
}

// replaceDocument removes an earlier upload stored under a different key,
// as happens when the student or assignment has been renamed since.
func replaceDocument(ctx context.Context, docs DocumentStore, old, key string) {
	if old == "" || old == key {
		return
	}
	if err := docs.Delete(ctx, old); err != nil {
		log.Warnf("removing replaced document %s: %v", old, err)
	}
}

// validateDocument checks both the extension and the sniffed content of an upload,
// returning the content type to store it with.
func validateDocument(fh *multipart.FileHeader) (string, error) {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	want, ok := allowedDocumentTypes[ext]
	if !ok {
		return "", fmt.Errorf("%w: extension %q is not allowed", ErrDocumentType, ext)
	}
	if fh.Size > maxDocumentSize {
		return "", fmt.Errorf("%w: file is larger than %d bytes", ErrDocumentType, maxDocumentSize)
	}

	reader, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer reader.Close()

	mime, err := mimetype.DetectReader(reader)
	if err != nil {
		return "", fmt.Errorf("failed to detect file type: %w", err)
	}
	if !mime.Is(want) {
		return "", fmt.Errorf("%w: %s content in a %s file", ErrDocumentType, mime.String(), ext)
	}
	return want, nil
}

// storeDocument validates an upload and writes it under key.
func storeDocument(ctx context.Context, docs DocumentStore, key string, fh *multipart.FileHeader) error {
	contentType, err := validateDocument(fh)
	if err != nil {
		return err
	}
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return docs.Put(ctx, key, f, fh.Size, contentType)
}

// s3Store keeps documents in an S3 bucket and serves them by presigned URL.
type s3Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucketName    string
	expires       time.Duration
}

func newS3Store(ctx context.Context) (*s3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(Config.S3Region),
	}
	if Config.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(Config.S3AccessKey, Config.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if Config.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(Config.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	log.Printf("document storage in bucket %s", Config.S3Bucket)
	return &s3Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucketName:    Config.S3Bucket,
		expires:       Config.URLLifetime,
	}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) PresignGet(ctx context.Context, key string) (string, error) {
	expires := s.expires
	if expires <= 0 {
		expires = 15 * time.Minute
	}
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presigning %s: %w", key, err)
	}
	return req.URL, nil
}

// dirStore keeps documents under a local directory.
type dirStore struct {
	root string
}

func (d *dirStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("empty document key")
	}
	return filepath.Join(d.root, filepath.FromSlash(clean)), nil
}

func (d *dirStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (d *dirStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrDocumentNotFound
	}
	return f, err
}

func (d *dirStore) Delete(ctx context.Context, key string) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// memStore is an in-process DocumentStore.
type memStore struct {
	sync.Mutex
	docs  map[string][]byte
	types map[string]string
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.docs[key] = raw
	m.types[key] = contentType
	return nil
}

func (m *memStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	m.Lock()
	defer m.Unlock()
	raw, ok := m.docs[key]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.docs, key)
	delete(m.types, key)
	return nil
}

// setupDocumentStore picks S3 when a bucket is configured, else a local directory.
func setupDocumentStore(ctx context.Context) (DocumentStore, error) {
	if Config.S3Bucket != "" {
		return newS3Store(ctx)
	}
	log.Printf("document storage in %s", Config.StorageDir)
	return &dirStore{root: Config.StorageDir}, nil
}
