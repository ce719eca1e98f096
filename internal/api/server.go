// Package api exposes the HTTP control surface: launching jobs, inspecting
// them, renting numbers, and the operational stop endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"phoneops/internal/cloudphone"
	"phoneops/internal/config"
	"phoneops/internal/models"
	"phoneops/internal/proxynet"
	"phoneops/internal/smsline"
	"phoneops/internal/store"
	"phoneops/internal/telemetry"
)

// Store is the record-store surface the handlers use.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	JobsInBatch(ctx context.Context, batchID string) ([]models.Job, error)
	RunningJobs(ctx context.Context, limit int) ([]models.Job, error)
	HasActiveJob(ctx context.Context, accountID string) (bool, error)
	GetRental(ctx context.Context, rentalID string) (models.Rental, error)
	UpsertAccount(ctx context.Context, id, status string) error
	UpsertDevice(ctx context.Context, deviceID, accountID, powerState string) error
	CreatePost(ctx context.Context, accountID, jobID string) (models.Post, error)
	UpsertProxy(ctx context.Context, p models.Proxy) error
	AppendAudit(ctx context.Context, entityID, event, detail string) error
}

// DevicePlane launches vendor task flows and powers devices up.
type DevicePlane interface {
	StartDevices(ctx context.Context, deviceIDs []string) (cloudphone.BatchResult, error)
	StartLogin(ctx context.Context, deviceID, username, phoneNumber string) (string, error)
	StartWarmup(ctx context.Context, deviceID string, durationMinutes int, keywords []string) (string, error)
	StartVideoPost(ctx context.Context, deviceID, videoURL, caption string) (string, error)
	StartCarouselPost(ctx context.Context, deviceID string, imageURLs []string, caption string) (string, error)
	StartEngagement(ctx context.Context, deviceID string, targets []string) (string, error)
	CancelTasks(ctx context.Context, taskIDs []string) error
}

// Engine is the monitor surface the handlers drive.
type Engine interface {
	Watch(ctx context.Context, job models.Job)
	WatchBatch(ctx context.Context, jobs []models.Job)
	Resolve(ctx context.Context, job models.Job, outcome models.Outcome, reason string, last *cloudphone.TaskStatus)
}

// Releaser hands back billable resources out of band of any job.
type Releaser interface {
	StopDevice(ctx context.Context, deviceID string) error
	FinalizeRental(ctx context.Context, rentalID, outcome string) error
}

// Renter leases disposable numbers.
type Renter interface {
	Rent(ctx context.Context, accountID string) (models.Rental, error)
}

// ProxyPlane lists the vendor proxy inventory and rotates exit IPs.
type ProxyPlane interface {
	List(ctx context.Context) ([]proxynet.Proxy, error)
	Rotate(ctx context.Context, proxyID string) error
}

// Limiter throttles launches per account.
type Limiter interface {
	Allow(ctx context.Context, accountID string) (bool, float64, error)
}

// Server wires the HTTP handlers.
type Server struct {
	cfg      config.Config
	store    Store
	devices  DevicePlane
	engine   Engine
	releaser Releaser
	renter   Renter
	proxies  ProxyPlane
	limiter  Limiter
	log      *slog.Logger

	// baseCtx outlives any single request; monitors spawned by a launch
	// keep running after the response is written.
	baseCtx context.Context
}

func New(baseCtx context.Context, cfg config.Config, st Store, devices DevicePlane, engine Engine,
	releaser Releaser, renter Renter, proxies ProxyPlane, limiter Limiter, log *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		devices:  devices,
		engine:   engine,
		releaser: releaser,
		renter:   renter,
		proxies:  proxies,
		limiter:  limiter,
		log:      log,
		baseCtx:  baseCtx,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleLaunch)
	r.Post("/jobs/bulk", s.handleLaunchBulk)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	r.Get("/batches/{id}", s.handleGetBatch)

	r.Post("/rentals", s.handleRent)
	r.Get("/rentals/{id}", s.handleGetRental)

	r.Post("/devices/{id}/stop", s.handleStopDevice)
	r.Post("/emergency-stop", s.handleEmergencyStop)
	r.Post("/proxies/sync", s.handleProxySync)
	r.Post("/proxies/{id}/rotate", s.handleProxyRotate)

	return r
}

type launchRequest struct {
	Kind      string `json:"kind"`
	AccountID string `json:"account_id"`
	DeviceID  string `json:"device_id"`

	// Login.
	Username        string `json:"username"`
	SMSVerification bool   `json:"sms_verification"`

	// Warmup.
	DurationMinutes int      `json:"duration_minutes"`
	Keywords        []string `json:"keywords"`

	// Posting.
	VideoURL  string   `json:"video_url"`
	ImageURLs []string `json:"image_urls"`
	Caption   string   `json:"caption"`

	// Engagement.
	Targets []string `json:"targets"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Kind == "" || req.AccountID == "" || req.DeviceID == "" {
		http.Error(w, "kind, account_id and device_id are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), req.AccountID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.LaunchRejects.Inc()
			http.Error(w, "launch quota exceeded", http.StatusTooManyRequests)
			return
		}
	}

	// One active job per account; a second launch would fight the first
	// over the same device.
	active, err := s.store.HasActiveJob(r.Context(), req.AccountID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if active {
		http.Error(w, "account already has an active job", http.StatusConflict)
		return
	}

	job, err := s.launch(r.Context(), req)
	if err != nil {
		var status int
		switch {
		case errors.Is(err, errBadRequest):
			status = http.StatusBadRequest
		case errors.Is(err, smsline.ErrNoNumbers), errors.Is(err, smsline.ErrNoBalance):
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusBadGateway
		}
		http.Error(w, err.Error(), status)
		return
	}

	go s.engine.Watch(s.baseCtx, job)
	writeJSON(w, http.StatusAccepted, job)
}

var errBadRequest = errors.New("bad request")

// launch powers the device up, starts the vendor flow for the kind, and
// records the job. The job row is only written once the vendor has confirmed
// a task id; any failure after the device came up aborts the launch so the
// device is not left billing with no job row for the reaper to sweep.
func (s *Server) launch(ctx context.Context, req launchRequest) (models.Job, error) {
	switch req.Kind {
	case models.KindLogin, models.KindWarmup, models.KindEngagement:
	case models.KindPostVideo:
		if req.VideoURL == "" {
			return models.Job{}, fmt.Errorf("%w: video_url is required", errBadRequest)
		}
	case models.KindPostCarousel:
		if len(req.ImageURLs) == 0 {
			return models.Job{}, fmt.Errorf("%w: image_urls is required", errBadRequest)
		}
	default:
		return models.Job{}, fmt.Errorf("%w: unknown kind %q", errBadRequest, req.Kind)
	}

	if _, err := s.devices.StartDevices(ctx, []string{req.DeviceID}); err != nil {
		return models.Job{}, fmt.Errorf("start device: %w", err)
	}

	var (
		externalID string
		rentalID   string
		err        error
	)
	switch req.Kind {
	case models.KindLogin:
		phone := ""
		if req.SMSVerification {
			rental, err := s.renter.Rent(ctx, req.AccountID)
			if err != nil {
				s.abortLaunch(ctx, req.DeviceID, "")
				return models.Job{}, err
			}
			rentalID = rental.RentalID
			phone = rental.PhoneNumber
		}
		externalID, err = s.devices.StartLogin(ctx, req.DeviceID, req.Username, phone)
	case models.KindWarmup:
		externalID, err = s.devices.StartWarmup(ctx, req.DeviceID, req.DurationMinutes, req.Keywords)
	case models.KindPostVideo:
		externalID, err = s.devices.StartVideoPost(ctx, req.DeviceID, req.VideoURL, req.Caption)
	case models.KindPostCarousel:
		externalID, err = s.devices.StartCarouselPost(ctx, req.DeviceID, req.ImageURLs, req.Caption)
	case models.KindEngagement:
		externalID, err = s.devices.StartEngagement(ctx, req.DeviceID, req.Targets)
	}
	if err != nil {
		s.abortLaunch(ctx, req.DeviceID, rentalID)
		return models.Job{}, fmt.Errorf("start %s flow: %w", req.Kind, err)
	}

	job, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Kind:           req.Kind,
		AccountID:      req.AccountID,
		DeviceID:       req.DeviceID,
		ExternalTaskID: externalID,
		RentalID:       rentalID,
	})
	if err != nil {
		if cErr := s.devices.CancelTasks(ctx, []string{externalID}); cErr != nil {
			s.log.Warn("cancel vendor task", "task_id", externalID, "error", cErr)
		}
		s.abortLaunch(ctx, req.DeviceID, rentalID)
		return models.Job{}, err
	}

	s.recordLaunch(ctx, job)
	return job, nil
}

// abortLaunch undoes a partially completed launch. Without a job row the
// reaper can never reclaim the device, so it is stopped right away, and a
// number rented for this launch is refunded instead of waiting out its lease.
func (s *Server) abortLaunch(ctx context.Context, deviceID, rentalID string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.releaser.StopDevice(ctx, deviceID); err != nil {
		s.log.Error("abort launch: stop device", "device_id", deviceID, "error", err)
	}
	if rentalID == "" {
		return
	}
	if err := s.releaser.FinalizeRental(ctx, rentalID, models.RentalOutcomeRefunded); err != nil {
		s.log.Error("abort launch: refund rental", "rental_id", rentalID, "error", err)
	}
}

func (s *Server) recordLaunch(ctx context.Context, job models.Job) {
	if err := s.store.UpsertDevice(ctx, job.DeviceID, job.AccountID, models.PowerRunning); err != nil {
		s.log.Warn("record device", "device_id", job.DeviceID, "error", err)
	}
	switch job.Kind {
	case models.KindLogin:
		if err := s.store.UpsertAccount(ctx, job.AccountID, models.AccountProvisioning); err != nil {
			s.log.Warn("record account", "account_id", job.AccountID, "error", err)
		}
	case models.KindWarmup:
		if err := s.store.UpsertAccount(ctx, job.AccountID, models.AccountWarmingUp); err != nil {
			s.log.Warn("record account", "account_id", job.AccountID, "error", err)
		}
	case models.KindPostVideo, models.KindPostCarousel, models.KindBulkPost:
		if _, err := s.store.CreatePost(ctx, job.AccountID, job.ID); err != nil {
			s.log.Warn("record post", "job_id", job.ID, "error", err)
		}
	}
	if err := s.store.AppendAudit(ctx, job.ID, "job_launched",
		fmt.Sprintf("kind=%s account=%s device=%s", job.Kind, job.AccountID, job.DeviceID)); err != nil {
		s.log.Warn("append audit", "job_id", job.ID, "error", err)
	}
}

type bulkItem struct {
	AccountID string `json:"account_id"`
	DeviceID  string `json:"device_id"`
	VideoURL  string `json:"video_url"`
	Caption   string `json:"caption"`
}

type bulkRequest struct {
	Items []bulkItem `json:"items"`
}

type bulkResponse struct {
	BatchID string       `json:"batch_id"`
	Jobs    []models.Job `json:"jobs"`
	Errors  []string     `json:"errors,omitempty"`
}

func (s *Server) handleLaunchBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items is required", http.StatusBadRequest)
		return
	}

	batchID := uuid.New().String()
	resp := bulkResponse{BatchID: batchID}
	for _, item := range req.Items {
		if item.AccountID == "" || item.DeviceID == "" || item.VideoURL == "" {
			resp.Errors = append(resp.Errors, "account_id, device_id and video_url are required")
			continue
		}
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), item.AccountID)
			if err == nil && !allowed {
				telemetry.LaunchRejects.Inc()
				resp.Errors = append(resp.Errors, fmt.Sprintf("%s: launch quota exceeded", item.AccountID))
				continue
			}
		}

		if _, err := s.devices.StartDevices(r.Context(), []string{item.DeviceID}); err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: start device: %v", item.AccountID, err))
			continue
		}
		externalID, err := s.devices.StartVideoPost(r.Context(), item.DeviceID, item.VideoURL, item.Caption)
		if err != nil {
			s.abortLaunch(r.Context(), item.DeviceID, "")
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: start flow: %v", item.AccountID, err))
			continue
		}
		job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
			Kind:           models.KindBulkPost,
			AccountID:      item.AccountID,
			DeviceID:       item.DeviceID,
			ExternalTaskID: externalID,
			BatchID:        batchID,
		})
		if err != nil {
			if cErr := s.devices.CancelTasks(r.Context(), []string{externalID}); cErr != nil {
				s.log.Warn("cancel vendor task", "task_id", externalID, "error", cErr)
			}
			s.abortLaunch(r.Context(), item.DeviceID, "")
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: record job: %v", item.AccountID, err))
			continue
		}
		s.recordLaunch(r.Context(), job)
		resp.Jobs = append(resp.Jobs, job)
	}

	if len(resp.Jobs) == 0 {
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	jobs := append([]models.Job(nil), resp.Jobs...)
	go s.engine.WatchBatch(s.baseCtx, jobs)
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.JobsInBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job.Status.Terminal() {
		http.Error(w, "job is already terminal", http.StatusConflict)
		return
	}

	if err := s.devices.CancelTasks(r.Context(), []string{job.ExternalTaskID}); err != nil {
		s.log.Warn("cancel vendor task", "job_id", job.ID, "error", err)
	}
	s.engine.Resolve(s.baseCtx, job, models.OutcomeCancelled, "", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type rentRequest struct {
	AccountID string `json:"account_id"`
}

func (s *Server) handleRent(w http.ResponseWriter, r *http.Request) {
	var req rentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}
	rental, err := s.renter.Rent(r.Context(), req.AccountID)
	if errors.Is(err, smsline.ErrNoNumbers) || errors.Is(err, smsline.ErrNoBalance) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, rental)
}

func (s *Server) handleGetRental(w http.ResponseWriter, r *http.Request) {
	rental, err := s.store.GetRental(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rental)
}

func (s *Server) handleStopDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	if err := s.releaser.StopDevice(r.Context(), deviceID); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleEmergencyStop cancels every active job and releases its resources.
// The resolution fans out in the background; the response reports how many
// jobs were picked up.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.RunningJobs(r.Context(), 1000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, job := range jobs {
		job := job
		go func() {
			if err := s.devices.CancelTasks(s.baseCtx, []string{job.ExternalTaskID}); err != nil {
				s.log.Warn("cancel vendor task", "job_id", job.ID, "error", err)
			}
			s.engine.Resolve(s.baseCtx, job, models.OutcomeCancelled, models.ReasonEmergencyStop, nil)
		}()
	}
	s.log.Warn("emergency stop requested", "jobs", len(jobs))
	writeJSON(w, http.StatusAccepted, map[string]int{"stopping": len(jobs)})
}

func (s *Server) handleProxySync(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.proxies.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	synced := 0
	for _, p := range proxies {
		err := s.store.UpsertProxy(r.Context(), models.Proxy{
			ID: p.ID, Host: p.Host, Port: p.Port, Username: p.Username, Region: p.Region,
		})
		if err != nil {
			s.log.Warn("upsert proxy", "proxy_id", p.ID, "error", err)
			continue
		}
		synced++
	}
	writeJSON(w, http.StatusOK, map[string]int{"synced": synced})
}

func (s *Server) handleProxyRotate(w http.ResponseWriter, r *http.Request) {
	proxyID := chi.URLParam(r, "id")
	if err := s.proxies.Rotate(r.Context(), proxyID); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
