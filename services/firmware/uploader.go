package firmware

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// DefaultMaxUploadBytes bounds a single firmware image.
const DefaultMaxUploadBytes int64 = 16 << 20

var deviceTypePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("device_type", func(fl validator.FieldLevel) bool {
			return deviceTypePattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("firmware_ext", func(fl validator.FieldLevel) bool {
			return strings.EqualFold(filepath.Ext(fl.Field().String()), BinaryExtension)
		})
	})
	return validate
}

// UploadRequest describes one firmware upload.
type UploadRequest struct {
	Filename    string `validate:"required,firmware_ext"`
	DeviceType  string `validate:"required,device_type"`
	Description string `validate:"max=1024"`
	AutoAssign  bool
}

func (r UploadRequest) validate() error {
	err := requestValidator().Struct(r)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return validationf("upload", "%v", err)
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "firmware_ext":
		return validationf("upload", "only %s files are allowed", BinaryExtension)
	case "device_type":
		return validationf("upload", "invalid device type %q", fe.Value())
	case "required":
		if fe.Field() == "Filename" {
			return validationf("upload", "no file provided")
		}
		return validationf("upload", "%s is required", strings.ToLower(fe.Field()))
	default:
		return validationf("upload", "%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// Uploader versions, hashes and commits uploaded firmware into a registry.
type Uploader struct {
	registry *Registry
	maxBytes int64
	now      func() time.Time
	log      zerolog.Logger
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithMaxUploadBytes caps the accepted payload size.
func WithMaxUploadBytes(n int64) UploaderOption {
	return func(u *Uploader) {
		if n > 0 {
			u.maxBytes = n
		}
	}
}

// WithClock overrides the time source used for versions and upload dates.
func WithClock(now func() time.Time) UploaderOption {
	return func(u *Uploader) {
		if now != nil {
			u.now = now
		}
	}
}

// WithUploaderLogger sets the uploader logger.
func WithUploaderLogger(l zerolog.Logger) UploaderOption {
	return func(u *Uploader) { u.log = l }
}

// NewUploader builds an uploader committing into registry.
func NewUploader(registry *Registry, opts ...UploaderOption) (*Uploader, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	u := &Uploader{
		registry: registry,
		maxBytes: DefaultMaxUploadBytes,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Upload stores body as a new uploaded artifact. The version is derived from the
// current time; a version that collides with an existing key is rejected. If the
// registry cannot be persisted the written file is removed again.
func (u *Uploader) Upload(req UploadRequest, body io.Reader) (Artifact, error) {
	a, err := u.upload(req, body)
	switch {
	case err == nil:
		Uploads.WithLabelValues("committed").Inc()
	case KindOf(err) == KindValidation:
		Uploads.WithLabelValues("rejected").Inc()
	default:
		Uploads.WithLabelValues("failed").Inc()
	}
	return a, err
}

func (u *Uploader) upload(req UploadRequest, body io.Reader) (Artifact, error) {
	req.DeviceType = strings.TrimSpace(req.DeviceType)
	if err := req.validate(); err != nil {
		return Artifact{}, err
	}
	if body == nil {
		return Artifact{}, validationf("upload", "no file provided")
	}

	store := u.registry.Store()
	tmp, err := store.CreateTemp()
	if err != nil {
		return Artifact{}, newError(KindPersistence, "upload", "", fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(body, u.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Artifact{}, newError(KindPersistence, "upload", "", fmt.Errorf("write firmware: %w", err))
	}
	if n == 0 {
		return Artifact{}, validationf("upload", "firmware file is empty")
	}
	if n > u.maxBytes {
		return Artifact{}, validationf("upload", "firmware exceeds %d bytes", u.maxBytes)
	}

	hash, size, err := HashFile(tmpName)
	if err != nil {
		return Artifact{}, newError(KindPersistence, "upload", "", err)
	}

	now := u.now().UTC()
	version := now.Format(versionLayout)
	key := artifactKey(req.DeviceType, version)
	filename := uploadFilename(req.DeviceType, version)
	finalPath, err := store.UploadedPath(filename)
	if err != nil {
		return Artifact{}, validationf("upload", "%v", err)
	}

	a := Artifact{
		Key:         key,
		DeviceType:  req.DeviceType,
		Version:     version,
		Filename:    filename,
		StoragePath: finalPath,
		Origin:      OriginUploaded,
		SizeBytes:   size,
		ContentHash: hash,
		Description: req.Description,
		UploadedAt:  now.Format(uploadedAtLayout),
		IsActive:    true,
	}

	renamed := false
	err = u.registry.Update("upload", func(tx *Tx) error {
		if _, exists := tx.Get(key); exists {
			return newError(KindValidation, "upload", key, errors.New("firmware version already exists, retry in a second"))
		}
		if _, err := os.Stat(finalPath); err == nil {
			return newError(KindValidation, "upload", key, errors.New("firmware file already exists"))
		}
		if err := os.Rename(tmpName, finalPath); err != nil {
			return newError(KindPersistence, "upload", key, fmt.Errorf("commit firmware file: %w", err))
		}
		renamed = true
		if err := tx.Put(a); err != nil {
			return err
		}
		if req.AutoAssign {
			return tx.SetAssignment(req.DeviceType, version)
		}
		return nil
	})
	if err != nil {
		if renamed {
			if rmErr := os.Remove(finalPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				u.log.Error().Err(rmErr).Str("key", key).Msg("rollback uploaded firmware file")
			}
		}
		return Artifact{}, err
	}
	committed = true

	u.log.Info().Str("key", key).Str("device_type", a.DeviceType).Int64("file_size", a.SizeBytes).Bool("auto_assign", req.AutoAssign).Msg("firmware uploaded")
	return a, nil
}
