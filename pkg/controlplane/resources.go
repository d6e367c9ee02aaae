package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/benbjohnson/clock"
)

// DefaultMaxUploadBytes caps a single resource upload at 50 MiB.
const DefaultMaxUploadBytes int64 = 50 << 20

const defaultContentType = "application/octet-stream"

// BlobStore persists resource file contents. Get reports a missing key with an
// error wrapping fs.ErrNotExist; Delete of a missing key succeeds.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Upload describes an incoming resource file.
type Upload struct {
	JobID            string
	ResourceType     string
	Filename         string
	Description      string
	OriginalFilePath string
	Size             int64
	Body             io.Reader
}

// Download is an opened resource file. Callers must close Body.
type Download struct {
	Resource    *JobResource
	ContentType string
	Body        io.ReadCloser
}

// Resources manages job resource metadata and the backing blobs.
type Resources struct {
	repo     Repository
	blobs    BlobStore
	clock    clock.Clock
	logger   Logger
	maxBytes int64
}

func NewResources(repo Repository, blobs BlobStore, maxBytes int64, clk clock.Clock, logger Logger) *Resources {
	if clk == nil {
		clk = clock.New()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &Resources{repo: repo, blobs: blobs, clock: clk, logger: loggerOrNop(logger), maxBytes: maxBytes}
}

// MaxBytes reports the upload size limit.
func (s *Resources) MaxBytes() int64 {
	return s.maxBytes
}

// Upload stores a resource for a job. Owners are recorded as creator; the
// assigned runner uploads with a null creator.
func (s *Resources) Upload(ctx context.Context, p Principal, in Upload) (*JobResource, error) {
	if in.JobID == "" {
		return nil, ErrValidation("job is required")
	}
	if in.Body == nil {
		return nil, ErrValidation("file is required")
	}
	resourceType, ok := ParseResourceType(in.ResourceType)
	if !ok {
		return nil, ErrValidation("invalid resource_type %q", in.ResourceType)
	}
	if in.Size > s.maxBytes {
		return nil, ErrValidation("file exceeds the %d byte upload limit", s.maxBytes)
	}
	job, err := s.repo.GetJob(ctx, in.JobID)
	if err != nil {
		if IsKind(err, KindNotFound) && !p.IsRunner() {
			return nil, ErrValidation("job %s does not exist", in.JobID)
		}
		return nil, err
	}

	var createdBy *string
	switch {
	case p.IsRunner() && job.AssignedTo(p.Runner.ID):
	case !p.IsRunner() && job.CreatedBy == p.UserID:
		owner := p.UserID
		createdBy = &owner
	default:
		return nil, ErrPermissionDenied("You do not have permission to upload resources for job %s", job.ID)
	}

	now := s.clock.Now().UTC()
	filename, err := resourceFilename(in, job.ID, resourceType, now.Format("20060102_150405"))
	if err != nil {
		return nil, err
	}
	res := &JobResource{
		JobID:            job.ID,
		ResourceType:     resourceType,
		File:             ResourceLocator(job.CreatedBy, job.ID, filename),
		Filename:         filename,
		Description:      in.Description,
		OriginalFilePath: in.OriginalFilePath,
		Size:             in.Size,
		CreatedBy:        createdBy,
		CreatedAt:        now,
	}
	// The metadata insert claims (job, file) atomically before any bytes are written.
	if err := s.repo.CreateResource(ctx, res); err != nil {
		return nil, err
	}
	body := &countingReader{r: io.LimitReader(in.Body, s.maxBytes+1)}
	if err := s.blobs.Put(ctx, res.File, body, in.Size, contentTypeFor(filename)); err != nil {
		s.rollback(ctx, res)
		return nil, Internal("store resource file", err)
	}
	if body.n > s.maxBytes {
		if derr := s.blobs.Delete(ctx, res.File); derr != nil {
			s.logger.Error("remove oversized blob", "file", res.File, "error", derr)
		}
		s.rollback(ctx, res)
		return nil, ErrValidation("file exceeds the %d byte upload limit", s.maxBytes)
	}
	// A concurrent delete may have removed the row while the bytes were written.
	if _, err := s.repo.GetResource(ctx, res.ID); err != nil {
		if derr := s.blobs.Delete(ctx, res.File); derr != nil {
			s.logger.Error("remove blob of deleted resource", "file", res.File, "error", derr)
		}
		return nil, err
	}
	s.logger.Info("resource uploaded", "resource_id", res.ID, "job_id", job.ID, "file", res.File, "bytes", body.n)
	return res, nil
}

func (s *Resources) rollback(ctx context.Context, res *JobResource) {
	if err := s.repo.DeleteResource(ctx, res.ID); err != nil {
		s.logger.Error("rollback resource metadata", "resource_id", res.ID, "error", err)
	}
}

// Download opens a resource for the owner of its job or the assigned runner.
func (s *Resources) Download(ctx context.Context, p Principal, id string) (*Download, error) {
	res, err := s.repo.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkAccess(ctx, p, res); err != nil {
		return nil, err
	}
	body, err := s.blobs.Get(ctx, res.File)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound("file", res.File)
		}
		return nil, Internal("open resource file", err)
	}
	return &Download{Resource: res, ContentType: contentTypeFor(res.Filename), Body: body}, nil
}

// Delete removes a resource and releases its backing file. Owners only.
func (s *Resources) Delete(ctx context.Context, p Principal, id string) error {
	if p.IsRunner() {
		return ErrMethodNotAllowed("Runners cannot delete resources.")
	}
	res, err := s.repo.GetResource(ctx, id)
	if err != nil {
		return err
	}
	if err := s.checkAccess(ctx, p, res); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, res.File); err != nil {
		return Internal("delete resource file", err)
	}
	if err := s.repo.DeleteResource(ctx, id); err != nil {
		return err
	}
	s.logger.Info("resource deleted", "resource_id", id, "file", res.File)
	return nil
}

// List returns resources visible to p. Scope fields in filter are overridden.
func (s *Resources) List(ctx context.Context, p Principal, filter ResourceFilter) ([]JobResource, error) {
	filter.JobOwner = ""
	filter.AssignedRunner = ""
	if p.IsRunner() {
		filter.AssignedRunner = p.Runner.ID
	} else {
		filter.JobOwner = p.UserID
	}
	return s.repo.ListResources(ctx, filter)
}

func (s *Resources) checkAccess(ctx context.Context, p Principal, res *JobResource) error {
	job, err := s.repo.GetJob(ctx, res.JobID)
	if err != nil {
		return err
	}
	if p.IsRunner() {
		if job.AssignedTo(p.Runner.ID) {
			return nil
		}
	} else if job.CreatedBy == p.UserID {
		return nil
	}
	return ErrPermissionDenied("You do not have access to resource %s", res.ID)
}

// ResourceLocator is the blob key for a job file.
func ResourceLocator(ownerID, jobID, filename string) string {
	return path.Join(LocalWorkingDirectory(ownerID, jobID), filename)
}

var genericFilenames = map[string]struct{}{"": {}, "file": {}, "upload": {}, "blob": {}}

// resourceFilename prefers the uploaded name, then the original path, then a
// synthesized {job}_{type}_{timestamp} name.
func resourceFilename(in Upload, jobID string, rt ResourceType, stamp string) (string, error) {
	candidates := []string{in.Filename, in.OriginalFilePath}
	for _, candidate := range candidates {
		name := baseName(candidate)
		if _, generic := genericFilenames[strings.ToLower(name)]; generic {
			continue
		}
		if name == "." || name == ".." || name == "/" {
			return "", ErrValidation("invalid filename %q", candidate)
		}
		return name, nil
	}
	return fmt.Sprintf("%s_%s_%s", jobID, rt, stamp), nil
}

func baseName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	return path.Base(name)
}

func contentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return defaultContentType
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
