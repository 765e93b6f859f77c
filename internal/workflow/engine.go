package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/document"
	"github.com/pitabwire/hrflow/internal/ledger"
	"github.com/pitabwire/hrflow/internal/observability"
	"github.com/pitabwire/hrflow/model"
)

const (
	defaultMaxApprovers = 10
	defaultListLimit    = 50
	maxListLimit        = 200
)

// Policy holds the configurable business rules of the engine.
type Policy struct {
	// AllowNegativeBalance lets every terminal leave approval overdraw.
	AllowNegativeBalance bool
	// OverrideCapability lets the caller holding it overdraw at terminal
	// approval.
	OverrideCapability string
	// CancelAfterPartialApproval allows cancelling a pending request whose
	// earlier steps are already approved.
	CancelAfterPartialApproval bool
	// CancelAfterFinalApproval allows cancelling an approved request. The
	// terminal effect is reverted in the same commit.
	CancelAfterFinalApproval bool
	// CancelAnyCapability lets the caller holding it cancel on behalf of the
	// requester.
	CancelAnyCapability string
	// MaxApprovers bounds the chain length.
	MaxApprovers int
}

// DefaultPolicy returns the strict policy: no overdraft, no cancellation
// once any step is approved.
func DefaultPolicy() Policy {
	return Policy{
		OverrideCapability:  model.CapLedgerOverride,
		CancelAnyCapability: model.CapRequestsCancelAny,
		MaxApprovers:        defaultMaxApprovers,
	}
}

// SubmitInput is the body of a new request.
type SubmitInput struct {
	Type        model.RequestType
	Payload     model.Payload
	ApproverIDs []string
}

// Outcome is the result of a mutating call. Intents are the side effects the
// call produced; they are also in the outbox. AlreadyDecided marks a repeated
// call that changed nothing.
type Outcome struct {
	Request        model.Request            `json:"request"`
	Steps          []model.ApprovalStep     `json:"steps"`
	Intents        []model.SideEffectIntent `json:"intents"`
	AlreadyDecided bool                     `json:"already_decided,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the business policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithTerminalEffect registers the effect applied when a request of type t is
// finally approved. A nil effect removes the type's effect.
func WithTerminalEffect(t model.RequestType, eff TerminalEffect) Option {
	return func(e *Engine) {
		if eff == nil {
			delete(e.effects, t)
			return
		}
		e.effects[t] = eff
	}
}

// WithLogger sets the engine's fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine coordinates the document state machine, the balance ledger and the
// store. Every mutating call loads the request, runs one guarded transition
// and commits the result, the ledger change and the emitted intents as one
// unit.
type Engine struct {
	store       Store
	capResolver model.CapabilityResolver
	policy      Policy
	effects     map[model.RequestType]TerminalEffect
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewEngine creates a new workflow engine.
func NewEngine(store Store, capResolver model.CapabilityResolver, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		capResolver: capResolver,
		policy:      DefaultPolicy(),
		effects:     defaultEffects(),
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy.MaxApprovers <= 0 {
		e.policy.MaxApprovers = defaultMaxApprovers
	}
	return e
}

// Submit creates a pending request and its approval chain.
func (e *Engine) Submit(ctx context.Context, rctx *model.RequestContext, in SubmitInput) (out Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "engine.submit",
		observability.AttrRequestType.String(string(in.Type)),
	)
	start := time.Now()
	defer func() {
		e.finish("submit", start, err)
		observability.EndSpanWithError(span, err)
	}()

	// 1. Validate caller and input.
	if err := requireCaller(rctx); err != nil {
		return Outcome{}, err
	}
	if !in.Type.Valid() {
		return Outcome{}, model.NewFieldError("type", "oneof", fmt.Sprintf("unknown request type %q", in.Type))
	}
	if in.Payload == nil {
		return Outcome{}, model.NewFieldError("payload", "required", "payload is required")
	}
	if in.Payload.RequestType() != in.Type {
		return Outcome{}, model.NewFieldError("payload", "type",
			fmt.Sprintf("%s payload does not match request type %s", in.Payload.RequestType(), in.Type))
	}
	if details := in.Payload.Validate(); len(details) > 0 {
		return Outcome{}, model.NewValidationError(details)
	}
	if len(in.ApproverIDs) > e.policy.MaxApprovers {
		return Outcome{}, model.NewFieldError("approver_ids", "max",
			fmt.Sprintf("at most %d approvers are allowed", e.policy.MaxApprovers))
	}

	// 2. Build the chain through the state machine.
	now := e.now()
	draft := model.Request{
		ID:          uuid.New().String(),
		Type:        in.Type,
		RequesterID: rctx.SubjectID,
		Status:      model.RequestStatusDraft,
		Payload:     in.Payload,
		Version:     1,
	}
	m, res, err := document.Submit(draft, in.ApproverIDs, now)
	if err != nil {
		return Outcome{}, err
	}

	// 3. Persist request, steps, event and intents together.
	req := m.Request()
	intents := e.stamp(res.Intents, now)
	tx := Transition{
		Request: &req,
		Steps:   res.Changed,
		Events:  []model.RequestEvent{e.event(req.ID, res, rctx.SubjectID, "", now)},
		Intents: intents,
	}
	ctx, commitSpan := observability.StartSpan(ctx, "store.create_request")
	err = e.store.CreateRequest(ctx, tx)
	observability.EndSpanWithError(commitSpan, err)
	if err != nil {
		return Outcome{}, err
	}

	e.metrics.RecordSubmission(string(req.Type))
	observability.RequestLogger(ctx, e.logger).Info("request submitted",
		zap.String("request_id", req.ID),
		zap.String("type", string(req.Type)),
		zap.Int("steps", m.Chain().Len()),
	)

	return Outcome{Request: req, Steps: m.Chain().Steps(), Intents: intents}, nil
}

// ApproveStep records the caller's approval of their step. A repeated
// approval by the same approver returns the current state with
// AlreadyDecided set.
func (e *Engine) ApproveStep(ctx context.Context, rctx *model.RequestContext, requestID string, comment *string) (Outcome, error) {
	return e.transition(ctx, "approve", rctx, requestID, func(m *document.Machine, at time.Time) (document.Result, error) {
		return m.Approve(rctx.SubjectID, comment, at)
	})
}

// RejectStep records the caller's rejection of their step. The reason is
// mandatory.
func (e *Engine) RejectStep(ctx context.Context, rctx *model.RequestContext, requestID, reason string) (Outcome, error) {
	return e.transition(ctx, "reject", rctx, requestID, func(m *document.Machine, at time.Time) (document.Result, error) {
		return m.Reject(rctx.SubjectID, reason, at)
	})
}

// Cancel withdraws a request. Only the requester may cancel, unless the
// caller holds the cancel-any capability; cancelling once steps are approved
// depends on the policy.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, requestID, reason string) (Outcome, error) {
	return e.transition(ctx, "cancel", rctx, requestID, func(m *document.Machine, at time.Time) (document.Result, error) {
		p := document.CancelPolicy{
			AfterPartialApproval: e.policy.CancelAfterPartialApproval,
			AfterFinalApproval:   e.policy.CancelAfterFinalApproval,
		}
		if rctx.SubjectID != m.Request().RequesterID {
			caps, err := e.capabilities(rctx)
			if err != nil {
				return document.Result{}, err
			}
			p.OnBehalf = caps.Has(e.policy.CancelAnyCapability)
		}
		return m.Cancel(rctx.SubjectID, p, at)
	}, withComment(reason))
}

// MarkArchived records that an approved request reached external storage.
// It is called by the archive consumer and is idempotent.
func (e *Engine) MarkArchived(ctx context.Context, requestID string) (Outcome, error) {
	return e.transition(ctx, "archive", model.SystemContext(), requestID, func(m *document.Machine, at time.Time) (document.Result, error) {
		return m.Archive(at)
	})
}

type transitionOpts struct {
	comment string
}

type transitionOpt func(*transitionOpts)

func withComment(c string) transitionOpt {
	return func(o *transitionOpts) { o.comment = c }
}

type transitionFunc func(m *document.Machine, at time.Time) (document.Result, error)

// transition runs one guarded state change on a stored request and commits
// it. Nothing is written unless every guard, including the terminal effect,
// passes.
func (e *Engine) transition(
	ctx context.Context,
	op string,
	rctx *model.RequestContext,
	requestID string,
	fn transitionFunc,
	opts ...transitionOpt,
) (out Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "engine."+op,
		observability.AttrRequestID.String(requestID),
	)
	start := time.Now()
	defer func() {
		e.finish(op, start, err)
		observability.EndSpanWithError(span, err)
	}()

	var o transitionOpts
	for _, opt := range opts {
		opt(&o)
	}

	// 1. Check caller.
	if err := requireCaller(rctx); err != nil {
		return Outcome{}, err
	}
	logger := observability.RequestLogger(ctx, e.logger).With(
		zap.String("request_id", requestID),
		zap.String("operation", op),
	)

	// 2. Load request and chain.
	loaded, steps, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return Outcome{}, err
	}
	m, err := document.Restore(loaded, steps)
	if err != nil {
		return Outcome{}, fmt.Errorf("restore request %s: %w", requestID, err)
	}
	span.SetAttributes(observability.RequestAttrs(loaded)...)

	// 3. Run the guarded transition.
	now := e.now()
	res, err := fn(m, now)
	if model.IsCode(err, model.ErrAlreadyDecided) {
		logger.Info("repeated decision ignored", zap.String("status", string(loaded.Status)))
		return Outcome{Request: loaded, Steps: steps, Intents: []model.SideEffectIntent{}, AlreadyDecided: true}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	req := m.Request()
	tx := Transition{
		Request: &req,
		Steps:   res.Changed,
		Events:  []model.RequestEvent{e.event(req.ID, res, rctx.SubjectID, o.comment, now)},
		Intents: e.stamp(res.Intents, now),
	}

	// 4. Apply or revert the terminal effect in the same unit.
	if res.Completed || res.Revoked {
		if err := e.applyEffect(ctx, rctx, &tx, res, now); err != nil {
			return Outcome{}, err
		}
	}

	// 5. Commit.
	ctx, commitSpan := observability.StartSpan(ctx, "store.commit",
		observability.AttrRequestID.String(requestID),
	)
	err = e.store.Commit(ctx, tx)
	observability.EndSpanWithError(commitSpan, err)
	if err != nil {
		return Outcome{}, err
	}
	req.Version++

	var final string
	if req.Status.Terminal() && res.From != req.Status {
		final = string(req.Status)
	}
	e.metrics.RecordDecision(string(req.Type), res.Event, final)
	if tx.LedgerEntry != nil {
		days, _ := tx.LedgerEntry.Days.Float64()
		e.metrics.RecordLedgerMutation(string(tx.LedgerEntry.Kind), days)
	}
	logger.Info("request transition committed",
		zap.String("from", string(res.From)),
		zap.String("to", string(res.To)),
		zap.String("event", res.Event),
		zap.Int("step_order", res.StepOrder),
		zap.Int("intents", len(tx.Intents)),
	)

	return Outcome{Request: req, Steps: m.Chain().Steps(), Intents: tx.Intents}, nil
}

// applyEffect adds the requester's balance change to tx when the request's
// type has a terminal effect.
func (e *Engine) applyEffect(ctx context.Context, rctx *model.RequestContext, tx *Transition, res document.Result, at time.Time) error {
	req := *tx.Request
	eff, ok := e.effects[req.Type]
	if !ok {
		return nil
	}

	b, err := e.store.GetBalance(ctx, req.RequesterID)
	if err != nil {
		return err
	}
	in := EffectInput{Request: req, ActorID: rctx.SubjectID, At: at}

	var (
		next  model.Balance
		entry model.LedgerEntry
	)
	if res.Revoked {
		next, entry, err = eff.Revert(in, b)
	} else {
		in.AllowNegative = e.policy.AllowNegativeBalance
		if !in.AllowNegative && e.policy.OverrideCapability != "" {
			caps, cerr := e.capabilities(rctx)
			if cerr != nil {
				return cerr
			}
			in.AllowNegative = caps.Has(e.policy.OverrideCapability)
		}
		next, entry, err = eff.Apply(in, b)
	}
	if err != nil {
		if ee, ok := model.AsEnvelope(err); ok {
			return ee.With(model.CtxStepOrder, res.StepOrder)
		}
		return err
	}

	entry.ID = uuid.New().String()
	tx.Balance = &next
	tx.LedgerEntry = &entry
	return nil
}

// Get returns a request with its steps. Only the requester, an approver on
// the chain or a caller with the view-any capability may read it.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, requestID string) (model.RequestDetail, error) {
	if err := requireCaller(rctx); err != nil {
		return model.RequestDetail{}, err
	}
	req, steps, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return model.RequestDetail{}, err
	}
	if err := e.canView(rctx, req, steps); err != nil {
		return model.RequestDetail{}, err
	}
	return model.RequestDetail{Request: req, Steps: steps}, nil
}

// RequestStatus returns the current status of a request without an
// authorization check. It serves the service's own consumers.
func (e *Engine) RequestStatus(ctx context.Context, requestID string) (model.RequestStatus, error) {
	req, _, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	return req.Status, nil
}

// History returns the audit trail of a request.
func (e *Engine) History(ctx context.Context, rctx *model.RequestContext, requestID string) ([]model.RequestEvent, error) {
	if _, err := e.Get(ctx, rctx, requestID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, requestID)
}

// ListInbox returns the pending requests waiting on the caller's decision.
func (e *Engine) ListInbox(ctx context.Context, rctx *model.RequestContext, limit, offset int) ([]model.Request, error) {
	if err := requireCaller(rctx); err != nil {
		return nil, err
	}
	return e.store.ListRequests(ctx, model.RequestFilters{
		ApproverID: rctx.SubjectID,
		Status:     model.RequestStatusPending,
		Limit:      clampLimit(limit),
		Offset:     offset,
	})
}

// ListMine returns the caller's own requests. RequesterID in filters is
// overwritten with the caller.
func (e *Engine) ListMine(ctx context.Context, rctx *model.RequestContext, filters model.RequestFilters) ([]model.Request, error) {
	if err := requireCaller(rctx); err != nil {
		return nil, err
	}
	filters.RequesterID = rctx.SubjectID
	filters.ApproverID = ""
	filters.Limit = clampLimit(filters.Limit)
	return e.store.ListRequests(ctx, filters)
}

// Grant adds days to an employee's balance. The caller needs the grant
// capability.
func (e *Engine) Grant(ctx context.Context, rctx *model.RequestContext, employeeID string, days decimal.Decimal, reason string) (bal model.Balance, err error) {
	ctx, span := observability.StartSpan(ctx, "engine.grant",
		observability.AttrEmployeeID.String(employeeID),
	)
	start := time.Now()
	defer func() {
		e.finish("grant", start, err)
		observability.EndSpanWithError(span, err)
	}()

	if err := requireCaller(rctx); err != nil {
		return model.Balance{}, err
	}
	if employeeID == "" {
		return model.Balance{}, model.NewFieldError("employee_id", "required", "employee id is required")
	}
	caps, err := e.capabilities(rctx)
	if err != nil {
		return model.Balance{}, err
	}
	if !caps.Has(model.CapLedgerGrant) {
		return model.Balance{}, model.NewForbiddenError("granting leave days requires the " + model.CapLedgerGrant + " capability")
	}

	b, err := e.store.GetBalance(ctx, employeeID)
	if err != nil {
		return model.Balance{}, err
	}
	next, entry, err := ledger.Grant(b, ledger.Mutation{
		Days:    days,
		Reason:  reason,
		ActorID: rctx.SubjectID,
		At:      e.now(),
	})
	if err != nil {
		return model.Balance{}, err
	}
	entry.ID = uuid.New().String()

	if err := e.store.Commit(ctx, Transition{Balance: &next, LedgerEntry: &entry}); err != nil {
		return model.Balance{}, err
	}
	next.Version++

	f, _ := days.Float64()
	e.metrics.RecordLedgerMutation(string(entry.Kind), f)
	observability.RequestLogger(ctx, e.logger).Info("leave days granted",
		zap.String("employee_id", employeeID),
		zap.String("days", days.String()),
		zap.String("remaining_days", next.RemainingDays.String()),
	)
	return next, nil
}

// Balance returns an employee's balance. Callers may read their own balance;
// reading another's needs the ledger view-any capability.
func (e *Engine) Balance(ctx context.Context, rctx *model.RequestContext, employeeID string) (model.Balance, error) {
	if err := e.canViewLedger(rctx, employeeID); err != nil {
		return model.Balance{}, err
	}
	return e.store.GetBalance(ctx, employeeID)
}

// LedgerEntries returns an employee's ledger entries, newest first.
func (e *Engine) LedgerEntries(ctx context.Context, rctx *model.RequestContext, employeeID string, limit int) ([]model.LedgerEntry, error) {
	if err := e.canViewLedger(rctx, employeeID); err != nil {
		return nil, err
	}
	return e.store.ListLedgerEntries(ctx, employeeID, clampLimit(limit))
}

func (e *Engine) canView(rctx *model.RequestContext, req model.Request, steps []model.ApprovalStep) error {
	if req.RequesterID == rctx.SubjectID {
		return nil
	}
	for _, s := range steps {
		if s.ApproverID == rctx.SubjectID {
			return nil
		}
	}
	caps, err := e.capabilities(rctx)
	if err != nil {
		return err
	}
	if caps.Has(model.CapRequestsViewAny) {
		return nil
	}
	return model.NewForbiddenError(fmt.Sprintf("request %q is not visible to %q", req.ID, rctx.SubjectID)).
		With(model.CtxRequestID, req.ID)
}

func (e *Engine) canViewLedger(rctx *model.RequestContext, employeeID string) error {
	if err := requireCaller(rctx); err != nil {
		return err
	}
	if employeeID == rctx.SubjectID {
		return nil
	}
	caps, err := e.capabilities(rctx)
	if err != nil {
		return err
	}
	if !caps.Has(model.CapLedgerViewAny) {
		return model.NewForbiddenError(fmt.Sprintf("balance of %q is not visible to %q", employeeID, rctx.SubjectID)).
			With(model.CtxEmployeeID, employeeID)
	}
	return nil
}

// capabilities resolves the caller's capabilities. Without a resolver the
// caller has none.
func (e *Engine) capabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	if e.capResolver == nil {
		return model.CapabilitySet{}, nil
	}
	caps, err := e.capResolver.Resolve(rctx)
	if err != nil {
		return nil, fmt.Errorf("resolve capabilities: %w", err)
	}
	return caps, nil
}

// stamp gives each intent its id and creation time.
func (e *Engine) stamp(intents []model.SideEffectIntent, at time.Time) []model.SideEffectIntent {
	out := make([]model.SideEffectIntent, len(intents))
	for i, in := range intents {
		in.ID = uuid.New().String()
		in.CreatedAt = at
		out[i] = in
	}
	return out
}

func (e *Engine) event(requestID string, res document.Result, actorID, comment string, at time.Time) model.RequestEvent {
	evt := model.RequestEvent{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Event:     res.Event,
		ActorID:   actorID,
		Comment:   comment,
		Timestamp: at,
	}
	if res.StepOrder > 0 {
		order := res.StepOrder
		evt.StepOrder = &order
	}
	for _, s := range res.Changed {
		if s.StepOrder == res.StepOrder && s.Comment != nil && comment == "" {
			evt.Comment = *s.Comment
		}
	}
	return evt
}

// finish records the outcome of an operation. Business refusals and lost
// races log at warn; anything else that failed logs at error.
func (e *Engine) finish(op string, start time.Time, err error) {
	code := ""
	if err != nil {
		if ee, ok := model.AsEnvelope(err); ok {
			code = ee.Code
			e.logger.Warn("engine operation refused",
				zap.String("operation", op),
				zap.String("code", ee.Code),
				zap.String("message", ee.Message),
				zap.Any("context", ee.Context),
			)
		} else {
			code = model.ErrInternalError
			e.logger.Error("engine operation failed", zap.String("operation", op), zap.Error(err))
		}
	}
	e.metrics.RecordTransition(op, time.Since(start), code)
}

func requireCaller(rctx *model.RequestContext) error {
	if rctx == nil || rctx.Validate() != nil {
		return model.NewUnauthorizedError("caller identity is required")
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
