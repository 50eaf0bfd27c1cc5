package ownership

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/poppobuilder/poppo/internal/log"
	"github.com/poppobuilder/poppo/internal/pubsub"
	"github.com/poppobuilder/poppo/internal/store"
	"github.com/poppobuilder/poppo/internal/tracker"
)

// Default protocol timings.
const (
	DefaultLockTTL         = 5 * time.Minute
	DefaultHeartbeatTTL    = 30 * time.Minute
	DefaultCheckoutTimeout = 30 * time.Second
)

// Event is published on the coordinator's broker for ownership changes.
type Event struct {
	Name      string            `json:"event"`
	IssueID   int64             `json:"issueId"`
	ProcessID string            `json:"processId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Config configures the Coordinator.
type Config struct {
	// LockTTL bounds how long an issue lock can be held. Default 5m.
	LockTTL time.Duration
	// HeartbeatTTL is the liveness window. Default 30m.
	HeartbeatTTL time.Duration
	// CheckoutTimeout is the default deadline for Checkout, covering
	// retries and waiting-queue delay. Default 30s.
	CheckoutTimeout time.Duration
	// Retry is the policy for lock contention, heartbeat and label
	// failures. Defaults to store.OwnershipPolicy.
	Retry store.RetryPolicy
	// Hostname identifies this host in process records for orphan
	// detection. Defaults to os.Hostname.
	Hostname string
	// ReconcileLabels keeps retrying failed tracker label writes for up
	// to five minutes instead of the best-effort three attempts.
	ReconcileLabels bool
	// Logger receives coordinator diagnostics. Nil discards them.
	Logger *log.Logger
}

func (c *Config) applyDefaults() {
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.HeartbeatTTL == 0 {
		c.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if c.CheckoutTimeout == 0 {
		c.CheckoutTimeout = DefaultCheckoutTimeout
	}
	if c.Retry == (store.RetryPolicy{}) {
		c.Retry = store.OwnershipPolicy()
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
}

// Coordinator enforces at-most-one-worker-per-issue against the shared
// store and repairs ownership left behind by dead processes.
type Coordinator struct {
	cfg     Config
	st      store.Store
	tracker tracker.Tracker
	waits   *waitRegistry
	broker  *pubsub.Broker[Event]
	log     *log.Logger

	// repaired suppresses duplicate repair of the same issue across
	// overlapping sweeps.
	repaired *cache.Cache
}

// New creates a Coordinator. A nil tracker disables label updates.
func New(st store.Store, trk tracker.Tracker, cfg Config) *Coordinator {
	cfg.applyDefaults()
	if trk == nil {
		trk = tracker.Noop{}
	}
	return &Coordinator{
		cfg:      cfg,
		st:       st,
		tracker:  trk,
		waits:    newWaitRegistry(cfg.Logger),
		broker:   pubsub.NewBroker[Event](),
		log:      cfg.Logger,
		repaired: cache.New(10*time.Minute, 30*time.Minute),
	}
}

// Events exposes the coordinator's broker for control-channel fan-out.
func (c *Coordinator) Events() *pubsub.Broker[Event] { return c.broker }

// CheckoutRequest carries the parameters of a Checkout call.
type CheckoutRequest struct {
	IssueID   int64
	ProcessID string
	OSPid     int
	TaskType  string
	// Priority orders in-process waiters on a contended issue.
	Priority PriorityClass
}

// Checkout claims an issue for a process: per-issue lock, conflict check,
// then one atomic batch writing the ownership record, process record,
// heartbeat and index sets. The tracker label is attached asynchronously
// and never rolls back the checkout.
func (c *Coordinator) Checkout(ctx context.Context, req CheckoutRequest) (Ownership, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CheckoutTimeout)
	defer cancel()

	if err := c.waits.acquire(ctx, req.IssueID, req.ProcessID, req.OSPid, req.Priority); err != nil {
		return Ownership{}, err
	}
	defer c.waits.release(req.IssueID)

	lockKey := issueLockKey(req.IssueID)
	nonce := fmt.Sprintf("%s-%s", req.ProcessID, uuid.New().String())

	err := store.Retry(ctx, c.cfg.Retry, func() error {
		ok, err := c.st.SetNX(ctx, lockKey, nonce, c.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrTxConflict // retryable: holder may release
		}
		return nil
	})
	if err != nil {
		return Ownership{}, fmt.Errorf("%w: issue %d", ErrLockTimeout, req.IssueID)
	}
	defer c.releaseLock(lockKey, nonce)

	statusKey := issueStatusKey(req.IssueID)
	current, err := c.st.HGetAll(ctx, statusKey)
	if err != nil {
		return Ownership{}, err
	}
	curStatus := Status(current[fieldStatus])
	if curStatus == StatusProcessing {
		if current[fieldOwner] != req.ProcessID {
			return Ownership{}, fmt.Errorf("%w: issue %d owned by %s", ErrConflict, req.IssueID, current[fieldOwner])
		}
		// Same owner again: refresh rather than reject.
	} else if !curStatus.CanTransitionTo(StatusProcessing) {
		return Ownership{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, curStatus, StatusProcessing)
	}

	now := time.Now()
	own := Ownership{
		IssueID:   req.IssueID,
		Status:    StatusProcessing,
		Owner:     req.ProcessID,
		OSPid:     req.OSPid,
		TaskType:  req.TaskType,
		StartedAt: now,
		UpdatedAt: now,
	}
	ops := []store.Op{
		store.HSetOp(statusKey, map[string]string{
			fieldStatus:    string(StatusProcessing),
			fieldOwner:     req.ProcessID,
			fieldOSPid:     fmt.Sprintf("%d", req.OSPid),
			fieldTaskType:  req.TaskType,
			fieldStartedAt: formatTime(now),
			fieldUpdatedAt: formatTime(now),
		}),
		store.HSetOp(processInfoKey(req.ProcessID), map[string]string{
			fieldPid:          fmt.Sprintf("%d", req.OSPid),
			fieldRole:         "worker",
			fieldHostname:     c.cfg.Hostname,
			fieldLastSeen:     formatTime(now),
			fieldCurrentIssue: formatIssueID(req.IssueID),
		}),
		store.SetExOp(processHeartbeatKey(req.ProcessID), "alive", c.cfg.HeartbeatTTL),
		store.SAddOp(keyProcessingSet, formatIssueID(req.IssueID)),
		store.SAddOp(keyActiveProcesses, req.ProcessID),
	}
	if err := c.st.Batch(ctx, []string{statusKey}, ops); err != nil {
		return Ownership{}, err
	}

	c.asyncLabel(req.IssueID, tracker.LabelProcessing, "")
	c.log.Info(log.CatOwner, "checkout", "issue", req.IssueID, "process", req.ProcessID, "type", req.TaskType)
	c.broker.Publish(pubsub.UpdatedEvent, Event{Name: "issue.checked-out", IssueID: req.IssueID, ProcessID: req.ProcessID})
	return own, nil
}

// Checkin releases an issue with a terminal status. Only the recorded
// owner may check in; a second checkin by the same owner gets ErrNotOwner
// or ErrInvalidTransition and never double-counts.
func (c *Coordinator) Checkin(ctx context.Context, issueID int64, processID string, finalStatus Status, metadata map[string]string) error {
	if !finalStatus.IsTerminal() {
		return fmt.Errorf("%w: checkin requires a terminal status, got %s", ErrInvalidTransition, finalStatus)
	}

	lockKey := issueLockKey(issueID)
	nonce := fmt.Sprintf("%s-%s", processID, uuid.New().String())
	err := store.Retry(ctx, c.cfg.Retry, func() error {
		ok, err := c.st.SetNX(ctx, lockKey, nonce, c.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrTxConflict
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: issue %d", ErrLockTimeout, issueID)
	}
	defer c.releaseLock(lockKey, nonce)

	return c.checkinLocked(ctx, issueID, processID, finalStatus, metadata)
}

// checkinLocked performs the checkin batch. Caller holds the issue lock.
func (c *Coordinator) checkinLocked(ctx context.Context, issueID int64, processID string, finalStatus Status, metadata map[string]string) error {
	statusKey := issueStatusKey(issueID)
	current, err := c.st.HGetAll(ctx, statusKey)
	if err != nil {
		return err
	}
	if current[fieldOwner] != processID {
		return fmt.Errorf("%w: issue %d owner is %q", ErrNotOwner, issueID, current[fieldOwner])
	}
	curStatus := Status(current[fieldStatus])
	if !curStatus.CanTransitionTo(finalStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, curStatus, finalStatus)
	}

	now := time.Now()
	ops := []store.Op{
		store.HSetOp(statusKey, map[string]string{
			fieldStatus:    string(finalStatus),
			fieldUpdatedAt: formatTime(now),
		}),
		store.SRemOp(keyProcessingSet, formatIssueID(issueID)),
		store.SRemOp(keyActiveProcesses, processID),
		store.HSetOp(processInfoKey(processID), map[string]string{
			fieldLastSeen:     formatTime(now),
			fieldCurrentIssue: "",
		}),
	}
	if finalStatus == StatusCompleted {
		ops = append(ops, store.SAddOp(keyProcessedSet, formatIssueID(issueID)))
	}
	if len(metadata) > 0 {
		ops = append(ops, store.HSetOp(issueMetadataKey(issueID), metadata))
	}
	if err := c.st.Batch(ctx, []string{statusKey}, ops); err != nil {
		return err
	}

	switch finalStatus {
	case StatusCompleted:
		c.asyncLabel(issueID, tracker.LabelCompleted, tracker.LabelProcessing)
	case StatusError:
		c.asyncLabel(issueID, tracker.LabelError, tracker.LabelProcessing)
	}
	c.log.Info(log.CatOwner, "checkin", "issue", issueID, "process", processID, "status", finalStatus)
	c.broker.Publish(pubsub.UpdatedEvent, Event{Name: "issue.checked-in", IssueID: issueID, ProcessID: processID, Metadata: metadata})
	return nil
}

// Heartbeat refreshes the process's liveness key and lastSeen stamp.
// Idempotent: no lock is taken and repeats within the TTL are equivalent
// to one write.
func (c *Coordinator) Heartbeat(ctx context.Context, processID string) error {
	return store.Retry(ctx, c.cfg.Retry, func() error {
		if err := c.st.SetEx(ctx, processHeartbeatKey(processID), "alive", c.cfg.HeartbeatTTL); err != nil {
			return err
		}
		return c.st.HSet(ctx, processInfoKey(processID), map[string]string{
			fieldLastSeen: formatTime(time.Now()),
		})
	})
}

// MarkAwaitingResponse parks a processing issue while its owner waits on
// external input. The issue stays in the processing set and keeps its
// owner; a later checkin or resumed processing ends the wait.
func (c *Coordinator) MarkAwaitingResponse(ctx context.Context, issueID int64, processID string, waiting bool) error {
	statusKey := issueStatusKey(issueID)
	current, err := c.st.HGetAll(ctx, statusKey)
	if err != nil {
		return err
	}
	if current[fieldOwner] != processID {
		return fmt.Errorf("%w: issue %d owner is %q", ErrNotOwner, issueID, current[fieldOwner])
	}
	target := StatusAwaitingResponse
	if !waiting {
		target = StatusProcessing
	}
	curStatus := Status(current[fieldStatus])
	if !curStatus.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, curStatus, target)
	}
	return c.st.Batch(ctx, []string{statusKey}, []store.Op{
		store.HSetOp(statusKey, map[string]string{
			fieldStatus:    string(target),
			fieldUpdatedAt: formatTime(time.Now()),
		}),
	})
}

// ListProcessing returns the ownership records of all issues currently
// in the processing set, ordered by issue id.
func (c *Coordinator) ListProcessing(ctx context.Context) ([]Ownership, error) {
	members, err := c.st.SMembers(ctx, keyProcessingSet)
	if err != nil {
		return nil, err
	}
	out := make([]Ownership, 0, len(members))
	for _, m := range members {
		issueID, err := parseIssueID(m)
		if err != nil {
			c.log.Warn(log.CatOwner, "skipping malformed processing-set member", "member", m)
			continue
		}
		h, err := c.st.HGetAll(ctx, issueStatusKey(issueID))
		if err != nil {
			return nil, err
		}
		out = append(out, ownershipFromHash(issueID, h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssueID < out[j].IssueID })
	return out, nil
}

// Process returns the process record for the given id.
func (c *Coordinator) Process(ctx context.Context, processID string) (ProcessRecord, error) {
	h, err := c.st.HGetAll(ctx, processInfoKey(processID))
	if err != nil {
		return ProcessRecord{}, err
	}
	return processFromHash(processID, h), nil
}

// CleanupProcess force-releases everything a departing process holds:
// its in-flight issues move to error, then its heartbeat and membership
// are removed.
func (c *Coordinator) CleanupProcess(ctx context.Context, processID string) error {
	processing, err := c.ListProcessing(ctx)
	if err != nil {
		return err
	}
	for _, own := range processing {
		if own.Owner != processID {
			continue
		}
		err := c.forceCheckin(ctx, own.IssueID, processID, map[string]string{
			"reason": "process cleanup",
		})
		if err != nil {
			c.log.ErrorErr(log.CatOwner, "cleanup checkin failed", err, "issue", own.IssueID, "process", processID)
		}
	}

	if err := c.st.Del(ctx, processHeartbeatKey(processID), processInfoKey(processID)); err != nil {
		return err
	}
	if err := c.st.SRem(ctx, keyActiveProcesses, processID); err != nil {
		return err
	}
	c.log.Info(log.CatOwner, "process cleaned up", "process", processID)
	return nil
}

// ScanOrphans enumerates the processing set and repairs issues whose
// owner is dead: heartbeat absent, and (on this host) the OS pid gone.
// On foreign hosts heartbeat absence alone is sufficient. Repair errors
// are logged; the next sweep retries.
func (c *Coordinator) ScanOrphans(ctx context.Context) ([]OrphanRecord, error) {
	processing, err := c.ListProcessing(ctx)
	if err != nil {
		return nil, err
	}

	var repaired []OrphanRecord
	for _, own := range processing {
		if own.Owner == "" || (own.Status != StatusProcessing && own.Status != StatusAwaitingResponse) {
			continue
		}
		if _, recent := c.repaired.Get(formatIssueID(own.IssueID)); recent {
			continue
		}

		_, alive, err := c.st.Get(ctx, processHeartbeatKey(own.Owner))
		if err != nil {
			return repaired, err
		}
		if alive {
			continue
		}

		rec, err := c.Process(ctx, own.Owner)
		if err != nil {
			return repaired, err
		}
		if rec.Hostname == c.cfg.Hostname && isProcessAlive(rec.OSPid) {
			// Local pid still running: the heartbeat may just be lagging.
			continue
		}

		orphanedAt := time.Now()
		meta := map[string]string{
			"reason":      "process died unexpectedly",
			"originalPid": fmt.Sprintf("%d", own.OSPid),
			"orphanedAt":  formatTime(orphanedAt),
		}
		if err := c.forceCheckin(ctx, own.IssueID, own.Owner, meta); err != nil {
			c.log.ErrorErr(log.CatOwner, "orphan repair failed", err, "issue", own.IssueID, "process", own.Owner)
			continue
		}
		c.repaired.SetDefault(formatIssueID(own.IssueID), struct{}{})
		repaired = append(repaired, OrphanRecord{
			IssueID:     own.IssueID,
			ProcessID:   own.Owner,
			OriginalPid: own.OSPid,
			OrphanedAt:  orphanedAt,
		})
		c.log.Warn(log.CatOwner, "orphan repaired", "issue", own.IssueID, "process", own.Owner, "pid", own.OSPid)
		c.broker.Publish(pubsub.UpdatedEvent, Event{Name: "orphan.repaired", IssueID: own.IssueID, ProcessID: own.Owner, Metadata: meta})
	}
	return repaired, nil
}

// DetectDeadlocks walks the in-process wait graph and breaks cycles.
// Broken locks are announced on the event broker.
func (c *Coordinator) DetectDeadlocks() []BrokenLock {
	broken := c.waits.detectDeadlocks()
	for _, b := range broken {
		c.broker.Publish(pubsub.UpdatedEvent, Event{
			Name:      "deadlock.broken",
			IssueID:   b.IssueID,
			ProcessID: b.ProcessID,
		})
	}
	return broken
}

// forceCheckin checks an issue in to error on behalf of its owner. Used
// by orphan repair and process cleanup; the owner check still applies so
// a racing legitimate checkin wins.
func (c *Coordinator) forceCheckin(ctx context.Context, issueID int64, ownerID string, metadata map[string]string) error {
	lockKey := issueLockKey(issueID)
	nonce := fmt.Sprintf("repair-%s", uuid.New().String())
	err := store.Retry(ctx, c.cfg.Retry, func() error {
		ok, err := c.st.SetNX(ctx, lockKey, nonce, c.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrTxConflict
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: issue %d", ErrLockTimeout, issueID)
	}
	defer c.releaseLock(lockKey, nonce)

	return c.checkinLocked(ctx, issueID, ownerID, StatusError, metadata)
}

// releaseLock deletes the lock only while it still holds our nonce, so
// an expired-and-reacquired lock is never stolen from its new holder.
func (c *Coordinator) releaseLock(lockKey, nonce string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deleted, err := c.st.CompareAndDelete(ctx, lockKey, nonce)
	if err != nil {
		c.log.ErrorErr(log.CatOwner, "lock release failed", err, "key", lockKey)
		return
	}
	if !deleted {
		c.log.Warn(log.CatOwner, "lock already expired or rotated", "key", lockKey)
	}
}

// asyncLabel updates tracker labels in the background. Every failure is
// retried under the ownership backoff policy, then logged and swallowed.
// With ReconcileLabels set, retries continue for up to five minutes.
func (c *Coordinator) asyncLabel(issueID int64, add, remove string) {
	c.log.SafeGo("tracker-label", func() {
		window := 30 * time.Second
		if c.cfg.ReconcileLabels {
			window = 5 * time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), window)
		defer cancel()

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = c.cfg.Retry.InitialInterval
		bo.MaxInterval = c.cfg.Retry.MaxInterval
		bo.MaxElapsedTime = 0
		var b backoff.BackOff = bo
		if !c.cfg.ReconcileLabels && c.cfg.Retry.MaxAttempts > 0 {
			b = backoff.WithMaxRetries(b, c.cfg.Retry.MaxAttempts-1)
		}
		err := backoff.Retry(func() error {
			if remove != "" {
				if err := c.tracker.RemoveLabel(ctx, issueID, remove); err != nil {
					return err
				}
			}
			return c.tracker.AddLabel(ctx, issueID, add)
		}, backoff.WithContext(b, ctx))
		if err != nil {
			c.log.ErrorErr(log.CatTracker, "label update failed", err, "issue", issueID, "label", add)
		}
	})
}
