package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-access/internal/auth"
	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/requests"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	// TaskRequestNotify tells reviewers about a pending permission request.
	TaskRequestNotify = "access:request_notify"
	// TaskMFACode delivers a one-time code.
	TaskMFACode = "access:mfa_code"
	// TaskRequestExpire sweeps pending requests past their deadline.
	TaskRequestExpire = "access:request_expire"
	// TaskIdempotencyCleanup prunes old idempotency keys.
	TaskIdempotencyCleanup = "access:idempotency_cleanup"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// RequestNotifyPayload is the queued form of a pending request.
type RequestNotifyPayload struct {
	RequestID    uuid.UUID `json:"request_id"`
	RequesterID  int64     `json:"requester_id"`
	TargetUserID int64     `json:"target_user_id"`
	CompanyID    int64     `json:"company_id"`
	Permissions  []string  `json:"permissions"`
	Reason       string    `json:"reason"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Dispatcher queues notifications. It satisfies requests.Notifier and auth.CodeSender.
type Dispatcher struct {
	client Enqueuer
}

// NewDispatcher wraps an enqueuer.
func NewDispatcher(client Enqueuer) *Dispatcher {
	return &Dispatcher{client: client}
}

// NotifyPendingRequest enqueues a reviewer notification.
func (d *Dispatcher) NotifyPendingRequest(ctx context.Context, req requests.PermissionRequest) error {
	keys := make([]string, 0, len(req.Permissions))
	for _, k := range req.Permissions {
		keys = append(keys, k.String())
	}
	body, err := json.Marshal(RequestNotifyPayload{
		RequestID:    req.ID,
		RequesterID:  req.RequesterID,
		TargetUserID: req.TargetUserID,
		CompanyID:    req.CompanyID,
		Permissions:  keys,
		Reason:       req.Reason,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		return err
	}
	_, err = d.client.EnqueueContext(ctx, asynq.NewTask(TaskRequestNotify, body),
		asynq.Queue(QueueDefault), asynq.MaxRetry(5), asynq.TaskID("notify:"+req.ID.String()))
	if err != nil {
		return fmt.Errorf("jobs: enqueue request notify: %w", err)
	}
	return nil
}

// SendMFACode enqueues delivery of a one-time code. Codes expire quickly, so the task
// is dropped once the code would no longer verify.
func (d *Dispatcher) SendMFACode(ctx context.Context, msg auth.MFACode) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.Queue(QueueCritical), asynq.MaxRetry(2)}
	if !msg.ExpiresAt.IsZero() {
		opts = append(opts, asynq.Deadline(msg.ExpiresAt))
	}
	if _, err := d.client.EnqueueContext(ctx, asynq.NewTask(TaskMFACode, body), opts...); err != nil {
		return fmt.Errorf("jobs: enqueue mfa code: %w", err)
	}
	return nil
}

// NewRequestExpireTask builds the periodic sweep task.
func NewRequestExpireTask() *asynq.Task {
	return asynq.NewTask(TaskRequestExpire, nil, asynq.Queue(QueueDefault))
}

// NewIdempotencyCleanupTask builds the periodic key pruning task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault))
}

// MemberDirectory lists the people of a company.
type MemberDirectory interface {
	CompanyMembers(ctx context.Context, companyID int64) ([]auth.Member, error)
}

// ReviewerAuthorizer is the slice of the engine the notifier needs.
type ReviewerAuthorizer interface {
	HasAllPermissions(ctx context.Context, subject shared.Identity, checks []rbac.PermissionCheck, opts ...rbac.CheckOption) bool
}

// RequestNotifyJob mails every company member able to approve the request.
type RequestNotifyJob struct {
	members MemberDirectory
	engine  ReviewerAuthorizer
	mailer  Mailer
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewRequestNotifyJob constructs the handler.
func NewRequestNotifyJob(members MemberDirectory, engine ReviewerAuthorizer, mailer Mailer, metrics *jobmetrics.Metrics, logger *slog.Logger) *RequestNotifyJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestNotifyJob{members: members, engine: engine, mailer: mailer, metrics: metrics, logger: logger}
}

// Handle implements asynq.HandlerFunc.
func (j *RequestNotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	tracker := j.metrics.Track("request_notify")
	defer func() { err = tracker.End(err) }()

	var payload RequestNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("jobs: decode request notify: %v: %w", err, asynq.SkipRetry)
	}
	checks := make([]rbac.PermissionCheck, 0, len(payload.Permissions))
	for _, raw := range payload.Permissions {
		key, err := rbac.ParsePermissionKey(raw)
		if err != nil {
			return fmt.Errorf("jobs: request notify key %q: %v: %w", raw, err, asynq.SkipRetry)
		}
		checks = append(checks, requests.ReviewerCheck(key))
	}
	members, err := j.members.CompanyMembers(ctx, payload.CompanyID)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("Permission request awaiting review (%s)", payload.RequestID)
	body := fmt.Sprintf("User %d asked for %s on behalf of user %d.\n\nReason: %s\n\nReview before %s.",
		payload.RequesterID, strings.Join(payload.Permissions, ", "), payload.TargetUserID,
		payload.Reason, payload.ExpiresAt.UTC().Format(time.RFC1123))

	sent := 0
	for _, m := range members {
		if m.UserID == payload.RequesterID || m.UserID == payload.TargetUserID {
			continue
		}
		reviewer := shared.Identity{UserID: m.UserID, CompanyID: payload.CompanyID}
		if !j.engine.HasAllPermissions(ctx, reviewer, checks) {
			continue
		}
		if err := j.mailer.Send(ctx, SendEmailPayload{To: m.Email, Subject: subject, Body: body}); err != nil {
			j.logger.Warn("request notify mail", slog.Int64("user_id", m.UserID), slog.Any("error", err))
			continue
		}
		sent++
	}
	if sent == 0 {
		j.logger.Warn("request notify found no reviewers", slog.String("request_id", payload.RequestID.String()),
			slog.Int64("company_id", payload.CompanyID))
	}
	j.metrics.AddNotifications("request", sent)
	return nil
}

// MFACodeJob mails one-time codes.
type MFACodeJob struct {
	mailer  Mailer
	metrics *jobmetrics.Metrics
	now     func() time.Time
}

// NewMFACodeJob constructs the handler.
func NewMFACodeJob(mailer Mailer, metrics *jobmetrics.Metrics) *MFACodeJob {
	return &MFACodeJob{mailer: mailer, metrics: metrics, now: time.Now}
}

// Handle implements asynq.HandlerFunc.
func (j *MFACodeJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	tracker := j.metrics.Track("mfa_code")
	defer func() { err = tracker.End(err) }()

	var msg auth.MFACode
	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		return fmt.Errorf("jobs: decode mfa code: %v: %w", err, asynq.SkipRetry)
	}
	if !msg.ExpiresAt.IsZero() && !j.now().Before(msg.ExpiresAt) {
		return nil
	}
	err = j.mailer.Send(ctx, SendEmailPayload{
		To:      msg.Email,
		Subject: "Your Odyssey verification code",
		Body:    fmt.Sprintf("Your verification code is %s. It expires at %s.", msg.Code, msg.ExpiresAt.UTC().Format(time.Kitchen)),
	})
	if err == nil {
		j.metrics.AddNotifications("mfa", 1)
	}
	return err
}

// RequestSweeper expires overdue pending requests.
type RequestSweeper interface {
	ExpirePending(ctx context.Context) (int, error)
}

// RequestExpiryJob runs the sweeper on a schedule.
type RequestExpiryJob struct {
	sweeper RequestSweeper
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewRequestExpiryJob constructs the handler.
func NewRequestExpiryJob(sweeper RequestSweeper, metrics *jobmetrics.Metrics, logger *slog.Logger) *RequestExpiryJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestExpiryJob{sweeper: sweeper, metrics: metrics, logger: logger}
}

// Handle implements asynq.HandlerFunc.
func (j *RequestExpiryJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	tracker := j.metrics.Track("request_expire")
	defer func() { err = tracker.End(err) }()

	n, err := j.sweeper.ExpirePending(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Info("permission requests expired", slog.Int("count", n))
	}
	j.metrics.AddExpiredRequests(n)
	return nil
}

// KeyJanitor prunes processed idempotency keys.
type KeyJanitor interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob drops idempotency keys past their retention.
type IdempotencyCleanupJob struct {
	janitor   KeyJanitor
	retention time.Duration
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
}

// NewIdempotencyCleanupJob constructs the handler.
func NewIdempotencyCleanupJob(janitor KeyJanitor, retention time.Duration, metrics *jobmetrics.Metrics, logger *slog.Logger) *IdempotencyCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyCleanupJob{janitor: janitor, retention: retention, metrics: metrics, logger: logger}
}

// Handle implements asynq.HandlerFunc.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	tracker := j.metrics.Track("idempotency_cleanup")
	defer func() { err = tracker.End(err) }()

	if j.retention <= 0 {
		return fmt.Errorf("jobs: idempotency retention must be positive: %w", asynq.SkipRetry)
	}
	n, err := j.janitor.Cleanup(ctx, j.retention)
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Info("idempotency keys pruned", slog.Int64("count", n))
	}
	return nil
}
