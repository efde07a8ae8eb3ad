package service

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
	"github.com/pesio-ai/be-fee-governance/pkg/logger"
)

// Fixed identities shared by the service tests.
const (
	userCEO      = "00000000-0000-4000-8000-00000000000c"
	userGMA      = "00000000-0000-4000-8000-00000000000a"
	userGMB      = "00000000-0000-4000-8000-00000000000b"
	userGMC      = "00000000-0000-4000-8000-0000000000cc"
	userFinance  = "00000000-0000-4000-8000-0000000000f1"
	userRisk     = "00000000-0000-4000-8000-0000000000f2"
	userRM       = "00000000-0000-4000-8000-0000000000a1"
	userMaker    = "00000000-0000-4000-8000-0000000000d1"
	userChecker  = "00000000-0000-4000-8000-0000000000d2"
	userInactive = "00000000-0000-4000-8000-0000000000ee"

	feeID      = "10000000-0000-4000-8000-000000000001"
	orphanFee  = "10000000-0000-4000-8000-000000000002"
	customerID = "20000000-0000-4000-8000-000000000001"
	missingID  = "90000000-0000-4000-8000-000000000009"
)

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// ── Transactions ──────────────────────────────────────────────────────────────

type passthroughTx struct{}

func (passthroughTx) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// ── Directory ─────────────────────────────────────────────────────────────────

type fakeDirectory struct {
	mu        sync.Mutex
	users     map[string]*domain.User
	fees      map[string]*domain.Fee
	owners    map[string][]string
	customers map[string]bool
}

func newFakeDirectory() *fakeDirectory {
	d := &fakeDirectory{
		users:     map[string]*domain.User{},
		fees:      map[string]*domain.Fee{},
		owners:    map[string][]string{},
		customers: map[string]bool{customerID: true},
	}
	for id, role := range map[string]domain.Role{
		userCEO:     domain.RoleCEO,
		userGMA:     domain.RoleGMRetail,
		userGMB:     domain.RoleGMCorporate,
		userGMC:     domain.RoleGMOperations,
		userFinance: domain.RoleGMFinance,
		userRisk:    domain.RoleGMRisk,
		userRM:      domain.RoleRM,
		userMaker:   domain.RoleAdminMaker,
		userChecker: domain.RoleAdminChecker,
	} {
		d.users[id] = &domain.User{ID: id, Username: string(role) + "-" + id[len(id)-2:], Role: role, Status: "active"}
	}
	d.users[userInactive] = &domain.User{ID: userInactive, Role: domain.RoleCEO, Status: "inactive"}
	d.fees[feeID] = &domain.Fee{ID: feeID, Code: "ACC-MAINT", Name: "Account maintenance", Status: "active"}
	d.fees[orphanFee] = &domain.Fee{ID: orphanFee, Code: "ORPHAN", Name: "Orphan fee", Status: "active"}
	d.owners[feeID] = []string{userGMA, userGMB}
	return d
}

func (d *fakeDirectory) GetUser(_ context.Context, id string) (*domain.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (d *fakeDirectory) UsersWithRoles(_ context.Context, roles ...domain.Role) ([]*domain.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*domain.User
	for _, u := range d.users {
		if u.Active() && slices.Contains(roles, u.Role) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *fakeDirectory) FeeOwners(_ context.Context, feeID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.owners[feeID]), nil
}

func (d *fakeDirectory) GetFee(_ context.Context, id string) (*domain.Fee, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fees[id]
	if !ok {
		return nil, errors.NotFound("fee", id)
	}
	cp := *f
	return &cp, nil
}

func (d *fakeDirectory) CustomerExists(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.customers[id], nil
}

// ── Side-effect sinks ─────────────────────────────────────────────────────────

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

// recipients returns the users that received a notification of type t.
func (n *fakeNotifier) recipients(t domain.NotificationType) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, msg := range n.sent {
		if msg.Type == t {
			out = append(out, msg.UserID)
		}
	}
	sort.Strings(out)
	return out
}

type fakeAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	err    error
}

func (a *fakeAudit) Record(_ context.Context, ev domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, ev)
	return nil
}

func (a *fakeAudit) actions(entityID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, ev := range a.events {
		if ev.EntityID == entityID {
			out = append(out, ev.Action)
		}
	}
	return out
}

// ── Performance, acknowledgments, approvals ───────────────────────────────────

type fakePerformance struct {
	mu      sync.Mutex
	records map[string]*domain.FeePerformance
}

func newFakePerformance() *fakePerformance {
	return &fakePerformance{records: map[string]*domain.FeePerformance{}}
}

func (f *fakePerformance) put(p domain.FeePerformance) *domain.FeePerformance {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	f.records[p.ID] = &p
	cp := p
	return &cp
}

func (f *fakePerformance) state(id string) domain.SatisfactionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id].State
}

func (f *fakePerformance) GetByID(_ context.Context, id string) (*domain.FeePerformance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.records[id]
	if !ok {
		return nil, errors.NotFound("fee_performance", id)
	}
	cp := *p
	return &cp, nil
}

func (f *fakePerformance) GetForUpdate(ctx context.Context, id string) (*domain.FeePerformance, error) {
	return f.GetByID(ctx, id)
}

func (f *fakePerformance) UpdateState(_ context.Context, id string, state domain.SatisfactionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.records[id]
	if !ok {
		return errors.NotFound("fee_performance", id)
	}
	p.State = state
	return nil
}

func (f *fakePerformance) UpdateMeasurement(_ context.Context, in *domain.FeePerformance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.records[in.ID]
	if !ok {
		return errors.NotFound("fee_performance", in.ID)
	}
	state := p.State
	*p = *in
	p.State = state
	return nil
}

func (f *fakePerformance) ListOpen(_ context.Context) ([]*domain.FeePerformance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.FeePerformance
	for _, p := range f.records {
		if p.State == domain.StateNotSatisfied || p.State == domain.StateConditionallyEligible {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeAcks struct {
	mu   sync.Mutex
	rows []*domain.GmAcknowledgment
}

func (f *fakeAcks) Create(_ context.Context, a *domain.GmAcknowledgment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.PerformanceID == a.PerformanceID && r.GMUserID == a.GMUserID {
			return errors.Duplicate("acknowledgment already exists")
		}
	}
	a.ID = uuid.NewString()
	cp := *a
	f.rows = append(f.rows, &cp)
	return nil
}

func (f *fakeAcks) Exists(_ context.Context, performanceID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.PerformanceID == performanceID && r.GMUserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAcks) ListByPerformance(_ context.Context, performanceID string) ([]*domain.GmAcknowledgment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.GmAcknowledgment
	for _, r := range f.rows {
		if r.PerformanceID == performanceID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeApprovals struct {
	mu   sync.Mutex
	rows []*domain.CeoApproval
}

func (f *fakeApprovals) Create(_ context.Context, a *domain.CeoApproval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = uuid.NewString()
	cp := *a
	f.rows = append(f.rows, &cp)
	return nil
}

func (f *fakeApprovals) ListByPerformance(_ context.Context, performanceID string) ([]*domain.CeoApproval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.CeoApproval
	for _, r := range f.rows {
		if r.PerformanceID == performanceID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── Thresholds ────────────────────────────────────────────────────────────────

type fakeThresholds struct {
	mu         sync.Mutex
	globals    []*domain.GlobalThreshold
	exceptions map[string]*domain.FeeThresholdException
}

func newFakeThresholds() *fakeThresholds {
	return &fakeThresholds{exceptions: map[string]*domain.FeeThresholdException{}}
}

func (f *fakeThresholds) CreateGlobal(_ context.Context, g *domain.GlobalThreshold) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.globals {
		if existing.Year == g.Year {
			return errors.Duplicate("threshold year already set")
		}
	}
	g.ID = uuid.NewString()
	cp := *g
	f.globals = append(f.globals, &cp)
	return nil
}

func (f *fakeThresholds) GetGlobalByYear(_ context.Context, year int) (*domain.GlobalThreshold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.globals {
		if g.Year == year {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeThresholds) LatestGlobal(_ context.Context) (*domain.GlobalThreshold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.GlobalThreshold
	for _, g := range f.globals {
		if latest == nil || g.Year > latest.Year {
			latest = g
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeThresholds) MarkGlobalNotified(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.globals {
		if g.ID == id {
			g.NotificationSent = true
			return nil
		}
	}
	return errors.NotFound("threshold", id)
}

func (f *fakeThresholds) putException(e domain.FeeThresholdException) *domain.FeeThresholdException {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	f.exceptions[e.ID] = &e
	cp := e
	return &cp
}

func (f *fakeThresholds) CreateException(_ context.Context, e *domain.FeeThresholdException) error {
	e.ID = uuid.NewString()
	f.putException(*e)
	return nil
}

func (f *fakeThresholds) GetException(_ context.Context, id string) (*domain.FeeThresholdException, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.exceptions[id]
	if !ok {
		return nil, errors.NotFound("threshold_exception", id)
	}
	cp := *e
	return &cp, nil
}

func (f *fakeThresholds) GetExceptionForUpdate(ctx context.Context, id string) (*domain.FeeThresholdException, error) {
	return f.GetException(ctx, id)
}

func (f *fakeThresholds) UpdateException(_ context.Context, e *domain.FeeThresholdException) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.exceptions[e.ID]; !ok {
		return errors.NotFound("threshold_exception", e.ID)
	}
	cp := *e
	f.exceptions[e.ID] = &cp
	return nil
}

func (f *fakeThresholds) ApprovedExceptions(_ context.Context, feeID string, asOf time.Time) ([]domain.FeeThresholdException, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.FeeThresholdException
	for _, e := range f.exceptions {
		if e.FeeID == feeID && e.Covers(asOf) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeThresholds) ListExceptions(_ context.Context, status, feeID string) ([]*domain.FeeThresholdException, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.FeeThresholdException
	for _, e := range f.exceptions {
		if (status == "" || string(e.Status) == status) && (feeID == "" || e.FeeID == feeID) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeThresholds) ListExpirable(_ context.Context, today time.Time) ([]*domain.FeeThresholdException, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.FeeThresholdException
	for _, e := range f.exceptions {
		if e.Status == domain.ExceptionApproved && e.EndDate.Before(today) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── Exemptions and limits ─────────────────────────────────────────────────────

type fakeExemptions struct {
	mu   sync.Mutex
	rows map[string]*domain.TemporaryExemption
}

func newFakeExemptions() *fakeExemptions {
	return &fakeExemptions{rows: map[string]*domain.TemporaryExemption{}}
}

func cloneExemption(e *domain.TemporaryExemption) *domain.TemporaryExemption {
	cp := *e
	cp.ApprovalChain = slices.Clone(e.ApprovalChain)
	return &cp
}

func (f *fakeExemptions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeExemptions) Create(_ context.Context, e *domain.TemporaryExemption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = uuid.NewString()
	f.rows[e.ID] = cloneExemption(e)
	return nil
}

func (f *fakeExemptions) GetByID(_ context.Context, id string) (*domain.TemporaryExemption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok {
		return nil, errors.NotFound("temporary_exemption", id)
	}
	return cloneExemption(e), nil
}

func (f *fakeExemptions) GetForUpdate(ctx context.Context, id string) (*domain.TemporaryExemption, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeExemptions) UpdateDecision(_ context.Context, e *domain.TemporaryExemption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.rows[e.ID]
	if !ok {
		return errors.NotFound("temporary_exemption", e.ID)
	}
	if current.Status != domain.ExemptionPending {
		return errors.InvalidState("exemption is no longer pending")
	}
	f.rows[e.ID] = cloneExemption(e)
	return nil
}

func (f *fakeExemptions) List(_ context.Context, status, feeID string) ([]*domain.TemporaryExemption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.TemporaryExemption
	for _, e := range f.rows {
		if (status == "" || string(e.Status) == status) && (feeID == "" || e.FeeID == feeID) {
			out = append(out, cloneExemption(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeLimits struct {
	mu   sync.Mutex
	rows map[string]*domain.ExemptionLimit
	seq  int
}

func newFakeLimits() *fakeLimits {
	return &fakeLimits{rows: map[string]*domain.ExemptionLimit{}}
}

func (f *fakeLimits) put(l domain.ExemptionLimit) *domain.ExemptionLimit {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	f.seq++
	l.CreatedAt = testNow.Add(time.Duration(f.seq) * time.Second)
	f.rows[l.ID] = &l
	cp := l
	return &cp
}

func (f *fakeLimits) Create(_ context.Context, l *domain.ExemptionLimit) error {
	stored := f.put(*l)
	l.ID = stored.ID
	l.CreatedAt = stored.CreatedAt
	return nil
}

func (f *fakeLimits) GetByID(_ context.Context, id string) (*domain.ExemptionLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.rows[id]
	if !ok {
		return nil, errors.NotFound("exemption_limit", id)
	}
	cp := *l
	return &cp, nil
}

func (f *fakeLimits) GetForUpdate(ctx context.Context, id string) (*domain.ExemptionLimit, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeLimits) UpdateCheck(_ context.Context, l *domain.ExemptionLimit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.rows[l.ID]
	if !ok {
		return errors.NotFound("exemption_limit", l.ID)
	}
	if current.Status != domain.ControlPending {
		return errors.InvalidState("exemption limit is no longer pending")
	}
	cp := *l
	f.rows[l.ID] = &cp
	return nil
}

func (f *fakeLimits) List(_ context.Context, feeID string) ([]*domain.ExemptionLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ExemptionLimit
	for _, l := range f.rows {
		if feeID == "" || l.FeeID == feeID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeLimits) LatestApproved(_ context.Context, feeID string, limitType domain.LimitType) (*domain.ExemptionLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.ExemptionLimit
	for _, l := range f.rows {
		if l.FeeID != feeID || l.LimitType != limitType || l.Status != domain.ControlApproved {
			continue
		}
		if latest == nil || l.CreatedAt.After(latest.CreatedAt) {
			latest = l
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// ── Harness ───────────────────────────────────────────────────────────────────

// harness wires every service to one set of fakes.
type harness struct {
	dir         *fakeDirectory
	notifier    *fakeNotifier
	audit       *fakeAudit
	performance *fakePerformance
	acks        *fakeAcks
	approvals   *fakeApprovals
	thresholds  *fakeThresholds
	exemptions  *fakeExemptions
	limits      *fakeLimits

	satisfaction *SatisfactionService
	threshold    *ThresholdService
	exemption    *ExemptionService
	limit        *ExemptionLimitService
}

func newHarness() *harness {
	h := &harness{
		dir:         newFakeDirectory(),
		notifier:    &fakeNotifier{},
		audit:       &fakeAudit{},
		performance: newFakePerformance(),
		acks:        &fakeAcks{},
		approvals:   &fakeApprovals{},
		thresholds:  newFakeThresholds(),
		exemptions:  newFakeExemptions(),
		limits:      newFakeLimits(),
	}
	log := logger.Nop()
	tx := passthroughTx{}

	h.satisfaction = NewSatisfactionService(tx, h.performance, h.acks, h.approvals, h.thresholds, h.dir, h.notifier, h.audit, nil, log)
	h.threshold = NewThresholdService(tx, h.thresholds, h.dir, h.notifier, h.audit, nil, log)
	h.exemption = NewExemptionService(tx, h.exemptions, h.limits, h.dir, h.notifier, h.audit, nil, log)
	h.limit = NewExemptionLimitService(tx, h.limits, h.dir, h.notifier, h.audit, nil, log)

	h.satisfaction.now = fixedClock
	h.threshold.now = fixedClock
	h.exemption.now = fixedClock
	h.limit.now = fixedClock
	return h
}
