package volumeio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gonum.org/v1/gonum/mat"

	"microctsr/internal/models"
	"microctsr/pkg/logging"
	"microctsr/pkg/slicer"
)

// Store reads and writes volumes in a blob bucket.
type Store struct {
	bucket *blob.Bucket
}

// Open returns a Store for ref. References with a scheme ("mem://",
// "file:///data", "gs://bucket", "s3://bucket/prefix") go through
// blob.OpenBucket; anything else is taken as a local directory, which is
// created if missing. Providers other than file and mem must be linked in
// by the caller with a blank import.
func Open(ctx context.Context, ref string) (*Store, error) {
	if !strings.Contains(ref, "://") {
		return OpenDir(ref)
	}
	bucket, err := blob.OpenBucket(ctx, ref)
	if err != nil {
		logging.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
		return nil, err
	}
	if strings.HasPrefix(ref, "s3://") {
		parts := strings.SplitN(strings.TrimPrefix(ref, "s3://"), "/", 2)
		if len(parts) == 2 && parts[1] != "" {
			bucket = blob.PrefixedBucket(bucket, strings.TrimSuffix(parts[1], "/")+"/")
		}
	}
	return &Store{bucket: bucket}, nil
}

// OpenDir returns a Store rooted at a local directory.
func OpenDir(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %v", err)
	}
	bucket, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, err
	}
	return &Store{bucket: bucket}, nil
}

// NewStore wraps an already opened bucket.
func NewStore(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// Close releases the underlying bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

// WriteOptions controls how WriteVolume lays out its objects.
type WriteOptions struct {
	Format Format
	RawOptions
}

// WriteVolume stores vol under name and returns the keys written. Raw output
// is a single object named after the volume geometry; raster output is one
// image per z slice below name/.
func (s *Store) WriteVolume(ctx context.Context, name string, vol *models.Volume, opts WriteOptions) ([]string, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if err := opts.RawOptions.validate(); err != nil {
		return nil, err
	}

	if opts.Format == FormatRaw || opts.Format == "" {
		key := RawName(name, vol.Shape, opts.Depth, opts.Compression)
		var buf bytes.Buffer
		if err := WriteRaw(&buf, vol, opts.RawOptions); err != nil {
			return nil, err
		}
		if err := s.bucket.WriteAll(ctx, key, buf.Bytes(), nil); err != nil {
			return nil, fmt.Errorf("writing %s: %w", key, err)
		}
		logging.Infof("Wrote %s (%s)\n", key, humanize.IBytes(uint64(buf.Len())))
		return []string{key}, nil
	}

	return s.WriteSlices(ctx, name, vol, models.Z, opts)
}

// WriteSlices stores every cross-section of vol orthogonal to axis as a
// raster image below prefix/.
func (s *Store) WriteSlices(ctx context.Context, prefix string, vol *models.Volume, axis models.Axis, opts WriteOptions) ([]string, error) {
	if _, ok := formatOf(opts.Format.Ext()); !ok {
		return nil, fmt.Errorf("format %q is not a raster format", opts.Format)
	}
	if err := opts.RawOptions.validate(); err != nil {
		return nil, err
	}
	stack, err := slicer.Slice(vol, axis)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, stack.Len())
	var total uint64
	for i, sl := range stack.Slices {
		key := SliceName(prefix, axis, i, opts.Format)
		var buf bytes.Buffer
		if err := EncodeImage(&buf, SliceImage(sl, opts.Depth, opts.DataRange), opts.Format); err != nil {
			return keys, fmt.Errorf("encoding %s slice %d: %w", axis, i, err)
		}
		if err := s.bucket.WriteAll(ctx, key, buf.Bytes(), nil); err != nil {
			return keys, fmt.Errorf("writing %s: %w", key, err)
		}
		total += uint64(buf.Len())
		keys = append(keys, key)
	}
	logging.Infof("Wrote %d %s-axis %s slices under %s (%s)\n", len(keys), axis, opts.Format, prefix, humanize.IBytes(total))
	return keys, nil
}

// ReadRawVolume loads a raw volume whose geometry is encoded in key. A
// ".zst" suffix selects zstd decompression.
func (s *Store) ReadRawVolume(ctx context.Context, key string, dataRange float64) (*models.Volume, error) {
	info, err := ParseRawName(key)
	if err != nil {
		return nil, err
	}
	opts := RawOptions{Depth: info.Depth, DataRange: dataRange, Compression: CompressionNone}
	if strings.HasSuffix(key, ".zst") {
		opts.Compression = CompressionZstd
	}
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadRaw(r, info.Shape, opts)
}

// ReadSlices loads every PNG or TIFF object below prefix as consecutive z
// slices, ordered by the number in each file name.
func (s *Store) ReadSlices(ctx context.Context, prefix string, dataRange float64) (*models.Volume, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var names []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir {
			continue
		}
		if _, ok := formatOf(obj.Key); ok {
			names = append(names, obj.Key)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no PNG or TIFF slices found under %q", prefix)
	}
	sortSliceNames(names)

	stack := models.SliceStack{Axis: models.Z, Slices: make([]*mat.Dense, len(names))}
	for i, name := range names {
		f, _ := formatOf(name)
		data, err := s.bucket.ReadAll(ctx, name)
		if err != nil {
			return nil, err
		}
		img, err := DecodeImage(bytes.NewReader(data), f)
		if err != nil {
			return nil, fmt.Errorf("failed to load image %s: %v", name, err)
		}
		stack.Slices[i] = ImageSlice(img, dataRange)
	}
	vol, err := slicer.Stack(stack)
	if err != nil {
		return nil, err
	}
	logging.Infof("Loaded %d slices with dimensions %dx%d\n", len(names), vol.Shape.Width, vol.Shape.Height)
	return vol, nil
}
