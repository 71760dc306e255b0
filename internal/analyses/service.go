package analyses

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"bikefit-backend/internal/shared/metrics"
	"bikefit-backend/internal/shared/storage/object"
	"bikefit-backend/internal/shared/telemetry"
)

const (
	defaultMaxUploadBytes = 500 << 20

	msgNoVideo       = "No video file provided"
	msgEmptyVideo    = "Video file is empty"
	msgVideoTooLarge = "Video file too large"
)

// Submission is one multipart upload as seen by the coordinator.
type Submission struct {
	OwnerID     string
	FileName    string
	ContentType string
	Video       []byte
	Intake      Intake
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	Analysis Analysis
	VideoURL string
}

// UploadRequest asks for a direct-to-storage upload slot.
type UploadRequest struct {
	OwnerID     string
	FileName    string `validate:"required,max=255"`
	ContentType string `validate:"required,max=128"`
	SizeBytes   int64  `validate:"gt=0"`
}

// UploadTicket reserves an analysis ID and key for a presigned upload.
type UploadTicket struct {
	AnalysisID string
	VideoKey   string
	Upload     object.PresignedUpload
}

// UploadedSubmission creates an analysis from an object the client already uploaded.
type UploadedSubmission struct {
	OwnerID    string
	AnalysisID string
	VideoKey   string
	Intake     Intake
}

// Service coordinates ingestion: persist the video, sign its URL, create the
// ledger record and hand the job to the dispatcher, in that order.
type Service struct {
	Ledger         Ledger
	Store          object.Gateway
	Dispatcher     Dispatcher
	MaxUploadBytes int64
	NewID          func() string

	validateOnce sync.Once
	validate     *validator.Validate
}

// Submit ingests an uploaded video. On a DispatchFault the returned Receipt is
// valid: the record exists and stays pending until it is re-dispatched.
func (s *Service) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	if strings.TrimSpace(sub.OwnerID) == "" {
		return Receipt{}, errors.New("owner id is required")
	}
	if err := s.validateSubmission(sub); err != nil {
		metrics.IncSubmissionRejected()
		return Receipt{}, err
	}

	analysisID := s.newID()
	key := VideoKey(sub.OwnerID, analysisID, sub.FileName)
	contentType := detectContentType(sub.ContentType, sub.Video)

	if err := s.Store.Put(ctx, key, sub.Video, contentType); err != nil {
		return Receipt{}, &StorageFault{Op: "put", Key: key, Err: err}
	}
	videoURL, err := s.Store.SignURL(ctx, key)
	if err != nil {
		return Receipt{}, &StorageFault{Op: "sign", Key: key, Err: err}
	}

	analysis, err := s.create(ctx, Analysis{
		ID:               analysisID,
		OwnerID:          sub.OwnerID,
		VideoKey:         key,
		VideoFileName:    sub.FileName,
		VideoContentType: contentType,
		VideoSizeBytes:   int64(len(sub.Video)),
		Intake:           sub.Intake,
	})
	if err != nil {
		return Receipt{}, err
	}

	receipt := Receipt{Analysis: analysis, VideoURL: videoURL}
	telemetry.Info("ingest.submitted", map[string]any{
		"request_id":   telemetry.RequestID(ctx),
		"user_id":      sub.OwnerID,
		"analysis_id":  analysisID,
		"video_key":    key,
		"content_type": contentType,
		"size_bytes":   len(sub.Video),
	})
	metrics.IncSubmissionAccepted()

	if err := s.dispatch(ctx, Job{AnalysisID: analysisID, VideoKey: key, Video: sub.Video}); err != nil {
		return receipt, err
	}
	return receipt, nil
}

// ReserveUpload allocates an analysis ID and presigns a PUT for its video key.
// Only stores that implement object.UploadPresigner support it.
func (s *Service) ReserveUpload(ctx context.Context, req UploadRequest) (UploadTicket, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return UploadTicket{}, errors.New("owner id is required")
	}
	presigner, ok := s.Store.(object.UploadPresigner)
	if !ok {
		return UploadTicket{}, ErrDirectUploadUnsupported
	}
	if err := s.validator().Struct(req); err != nil {
		return UploadTicket{}, &ValidationError{Message: formatValidationErrors(err), Err: err}
	}
	if req.SizeBytes > s.maxUploadBytes() {
		return UploadTicket{}, &ValidationError{Message: msgVideoTooLarge}
	}

	analysisID := s.newID()
	key := VideoKey(req.OwnerID, analysisID, req.FileName)
	upload, err := presigner.PresignPut(ctx, key, req.ContentType, req.SizeBytes)
	if err != nil {
		return UploadTicket{}, &StorageFault{Op: "presign", Key: key, Err: err}
	}
	telemetry.Info("ingest.upload_reserved", map[string]any{
		"request_id":  telemetry.RequestID(ctx),
		"user_id":     req.OwnerID,
		"analysis_id": analysisID,
		"video_key":   key,
		"size_bytes":  req.SizeBytes,
	})
	return UploadTicket{AnalysisID: analysisID, VideoKey: key, Upload: upload}, nil
}

// SubmitUploaded creates the analysis for a video uploaded through a reserved
// ticket. The object must already exist; the dispatcher loads its bytes.
func (s *Service) SubmitUploaded(ctx context.Context, sub UploadedSubmission) (Receipt, error) {
	if strings.TrimSpace(sub.OwnerID) == "" {
		return Receipt{}, errors.New("owner id is required")
	}
	if sub.AnalysisID == "" || sub.VideoKey == "" {
		return Receipt{}, &ValidationError{Message: "analysisId and videoKey are required"}
	}
	if !ownsVideoKey(sub.OwnerID, sub.AnalysisID, sub.VideoKey) {
		return Receipt{}, &ValidationError{Message: "videoKey does not match analysisId"}
	}
	if err := s.validateIntake(sub.Intake); err != nil {
		return Receipt{}, err
	}

	info, err := s.Store.Stat(ctx, sub.VideoKey)
	if err != nil {
		if errors.Is(err, object.ErrObjectNotFound) {
			return Receipt{}, &ValidationError{Message: msgNoVideo, Err: err}
		}
		return Receipt{}, &StorageFault{Op: "stat", Key: sub.VideoKey, Err: err}
	}
	if info.SizeBytes == 0 {
		return Receipt{}, &ValidationError{Message: msgEmptyVideo}
	}
	if info.SizeBytes > s.maxUploadBytes() {
		return Receipt{}, &ValidationError{Message: msgVideoTooLarge}
	}
	videoURL, err := s.Store.SignURL(ctx, sub.VideoKey)
	if err != nil {
		return Receipt{}, &StorageFault{Op: "sign", Key: sub.VideoKey, Err: err}
	}

	analysis, err := s.create(ctx, Analysis{
		ID:               sub.AnalysisID,
		OwnerID:          sub.OwnerID,
		VideoKey:         sub.VideoKey,
		VideoFileName:    videoFileName(sub.VideoKey),
		VideoContentType: info.ContentType,
		VideoSizeBytes:   info.SizeBytes,
		Intake:           sub.Intake,
	})
	if err != nil {
		return Receipt{}, err
	}
	receipt := Receipt{Analysis: analysis, VideoURL: videoURL}
	telemetry.Info("ingest.submitted", map[string]any{
		"request_id":   telemetry.RequestID(ctx),
		"user_id":      sub.OwnerID,
		"analysis_id":  sub.AnalysisID,
		"video_key":    sub.VideoKey,
		"content_type": info.ContentType,
		"size_bytes":   info.SizeBytes,
		"direct":       true,
	})
	metrics.IncSubmissionAccepted()

	if err := s.dispatch(ctx, Job{AnalysisID: sub.AnalysisID, VideoKey: sub.VideoKey}); err != nil {
		return receipt, err
	}
	return receipt, nil
}

// Get returns an analysis owned by ownerID. Records owned by someone else are
// reported as not found.
func (s *Service) Get(ctx context.Context, ownerID, analysisID string) (Analysis, error) {
	if analysisID == "" {
		return Analysis{}, errors.New("analysisID is required")
	}
	analysis, err := s.Ledger.GetByID(ctx, analysisID)
	if err != nil {
		return Analysis{}, err
	}
	if analysis.OwnerID != ownerID {
		return Analysis{}, ErrNotFound
	}
	return analysis, nil
}

// List returns analyses for an owner ordered newest-first.
func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]Analysis, error) {
	if ownerID == "" {
		return nil, errors.New("ownerID is required")
	}
	return s.Ledger.ListByOwner(ctx, ownerID, limit, offset)
}

// create runs after the object is stored. A failure here leaves the object
// without a record; it is logged as orphaned and left in place. A duplicate ID
// means the object already belongs to a record.
func (s *Service) create(ctx context.Context, analysis Analysis) (Analysis, error) {
	created, err := s.Ledger.Create(ctx, analysis)
	if err == nil {
		return created, nil
	}
	if errors.Is(err, ErrDuplicateID) {
		return Analysis{}, &LedgerFault{Op: "create", ID: analysis.ID, Err: err}
	}
	telemetry.Error("ingest.orphaned_object", map[string]any{
		"request_id":  telemetry.RequestID(ctx),
		"user_id":     analysis.OwnerID,
		"analysis_id": analysis.ID,
		"video_key":   analysis.VideoKey,
		"size_bytes":  analysis.VideoSizeBytes,
		"error":       err.Error(),
	})
	metrics.IncOrphanedObject()
	return Analysis{}, &LedgerFault{Op: "create", ID: analysis.ID, Err: err}
}

func (s *Service) dispatch(ctx context.Context, job Job) error {
	if s.Dispatcher == nil {
		return &DispatchFault{AnalysisID: job.AnalysisID, Err: errors.New("no dispatcher configured")}
	}
	job.RequestID = telemetry.RequestID(ctx)
	if err := s.Dispatcher.Dispatch(ctx, job); err != nil {
		metrics.IncDispatchFailed()
		telemetry.Error("ingest.dispatch_failed", map[string]any{
			"request_id":  job.RequestID,
			"analysis_id": job.AnalysisID,
			"video_key":   job.VideoKey,
			"error":       err.Error(),
		})
		return &DispatchFault{AnalysisID: job.AnalysisID, Err: err}
	}
	metrics.IncDispatched()
	return nil
}

func (s *Service) validateSubmission(sub Submission) error {
	if sub.Video == nil {
		return &ValidationError{Message: msgNoVideo}
	}
	if len(sub.Video) == 0 {
		return &ValidationError{Message: msgEmptyVideo}
	}
	if int64(len(sub.Video)) > s.maxUploadBytes() {
		return &ValidationError{Message: msgVideoTooLarge}
	}
	return s.validateIntake(sub.Intake)
}

func (s *Service) validateIntake(intake Intake) error {
	if err := s.validator().Struct(intake); err != nil {
		return &ValidationError{Message: formatValidationErrors(err), Err: err}
	}
	return nil
}

func (s *Service) validator() *validator.Validate {
	s.validateOnce.Do(func() {
		s.validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return s.validate
}

func (s *Service) maxUploadBytes() int64 {
	if s.MaxUploadBytes > 0 {
		return s.MaxUploadBytes
	}
	return defaultMaxUploadBytes
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// detectContentType keeps a declared media type unless it is missing or the
// generic octet-stream, in which case the bytes are sniffed.
func detectContentType(declared string, video []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.EqualFold(declared, "application/octet-stream") {
		return declared
	}
	return mimetype.Detect(video).String()
}

func ownsVideoKey(ownerID, analysisID, key string) bool {
	prefix := VideoKey(ownerID, analysisID, "x")
	prefix = strings.TrimSuffix(prefix, "x")
	return strings.HasPrefix(key, prefix) && len(key) > len(prefix) && object.ValidateKey(key) == nil
}

func videoFileName(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", e.Field(), e.Tag()))
	}
	sort.Strings(fields)
	return "Invalid fields: " + strings.Join(fields, ", ")
}
