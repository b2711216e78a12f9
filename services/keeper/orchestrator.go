package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	telemetry "rescuekeeper/observability/otel"
	"rescuekeeper/services/keeper/execution"
	"rescuekeeper/services/keeper/health"
	"rescuekeeper/services/keeper/history"
	"rescuekeeper/services/keeper/policy"
	"rescuekeeper/services/keeper/quote"
	"rescuekeeper/services/keeper/supply"
	"rescuekeeper/services/keeper/tokens"
)

// ErrMissingDependency is returned by NewOrchestrator when a required
// collaborator is nil.
var ErrMissingDependency = errors.New("keeper: missing dependency")

// PolicyStore reads a user's raw policy records. A nil or empty map means the
// user has published no policy; an error means the store could not be read.
type PolicyStore interface {
	ReadRaw(ctx context.Context, name string) (map[string]string, error)
}

// HistoryStore persists rescue attempts.
type HistoryStore interface {
	Save(ctx context.Context, rec history.Record) (history.Record, error)
	LastSuccess(ctx context.Context, user string) (time.Time, bool, error)
}

// User is a monitored account. Name is the policy record name, typically an
// ENS name; when empty the address is used.
type User struct {
	Address common.Address
	Name    string
}

// PolicyName returns the key passed to the PolicyStore.
func (u User) PolicyName() string {
	if name := strings.TrimSpace(u.Name); name != "" {
		return name
	}
	return strings.ToLower(u.Address.Hex())
}

// Deps are the orchestrator's collaborators. Store, Monitor, Validator and
// Submitter are required.
type Deps struct {
	Store     PolicyStore
	Resolver  policy.Resolver
	Monitor   *health.Monitor
	Validator *quote.Validator
	Submitter execution.Submitter
	History   HistoryStore
	Users     []User
	ChainID   int64
	Pool      common.Address
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// WithPolicyTimeout bounds each policy store read.
func WithPolicyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.policyTimeout = d }
}

// WithSubmitTimeout bounds each submission, including receipt wait.
func WithSubmitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.submitTimeout = d }
}

// WithHistoryTimeout bounds each history store call.
func WithHistoryTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.historyTimeout = d }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// Orchestrator runs one monitoring cycle over all users.
type Orchestrator struct {
	deps          Deps
	logger        *slog.Logger
	now           func() time.Time
	policyTimeout  time.Duration
	submitTimeout  time.Duration
	historyTimeout time.Duration
	metrics        *Metrics
	tracer         trace.Tracer

	mu     sync.Mutex
	paused bool
	last   *CycleResult
}

// NewOrchestrator validates deps and constructs an Orchestrator.
func NewOrchestrator(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: policy store", ErrMissingDependency)
	case deps.Monitor == nil:
		return nil, fmt.Errorf("%w: health monitor", ErrMissingDependency)
	case deps.Validator == nil:
		return nil, fmt.Errorf("%w: quote validator", ErrMissingDependency)
	case deps.Submitter == nil:
		return nil, fmt.Errorf("%w: submitter", ErrMissingDependency)
	case deps.ChainID <= 0:
		return nil, fmt.Errorf("%w: chain id", ErrMissingDependency)
	}
	users := make([]User, len(deps.Users))
	copy(users, deps.Users)
	deps.Users = users
	if len(deps.Resolver.DefaultChains) == 0 {
		deps.Resolver.DefaultChains = []int64{deps.ChainID}
	}
	o := &Orchestrator{
		deps:           deps,
		logger:         slog.Default(),
		now:            time.Now,
		policyTimeout:  10 * time.Second,
		submitTimeout:  2 * time.Minute,
		historyTimeout: 5 * time.Second,
		metrics:        NewMetrics(),
		tracer:         telemetry.Tracer("rescuekeeper/keeper"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.deps.Resolver.Logger == nil {
		o.deps.Resolver.Logger = o.logger
	}
	return o, nil
}

// Pause makes every subsequent user evaluation skip with keeper_paused.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	o.metrics.SetPause(true)
	o.logger.Warn("keeper paused", slog.String("component", "orchestrator"))
}

// Resume re-enables rescue evaluation.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.metrics.SetPause(false)
	o.logger.Info("keeper resumed", slog.String("component", "orchestrator"))
}

// Paused reports whether the pause guard is engaged.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// LastCycle returns a copy of the most recent cycle result.
func (o *Orchestrator) LastCycle() (CycleResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return CycleResult{}, false
	}
	return o.last.clone(), true
}

// Users returns the monitored user list.
func (o *Orchestrator) Users() []User {
	out := make([]User, len(o.deps.Users))
	copy(out, o.deps.Users)
	return out
}

// Tick evaluates every user once, in order. One user's failure never affects
// another.
func (o *Orchestrator) Tick(ctx context.Context) CycleResult {
	start := o.now()
	ctx, span := o.tracer.Start(ctx, "keeper.tick", trace.WithAttributes(
		attribute.Int64("chain_id", o.deps.ChainID),
		attribute.Int("users", len(o.deps.Users)),
	))
	defer span.End()

	result := newCycleResult(start)
	for _, user := range o.deps.Users {
		result.add(o.processUser(ctx, user))
	}
	result.Duration = o.now().Sub(start)

	span.SetAttributes(
		attribute.Int("attempted", result.Attempted),
		attribute.Int("succeeded", result.Succeeded),
		attribute.Int("skipped", result.Skipped),
	)
	o.logger.Info("cycle complete",
		slog.Int("processed", result.Processed),
		slog.Int("skipped", result.Skipped),
		slog.Int("attempted", result.Attempted),
		slog.Int("succeeded", result.Succeeded),
		slog.Duration("duration", result.Duration),
	)

	o.mu.Lock()
	stored := result.clone()
	o.last = &stored
	o.mu.Unlock()
	return result
}

func (o *Orchestrator) processUser(ctx context.Context, user User) (out Outcome) {
	ctx, span := o.tracer.Start(ctx, "keeper.user", trace.WithAttributes(
		attribute.String("user", user.Address.Hex()),
	))
	defer span.End()

	log := o.logger.With(slog.String("user", user.Address.Hex()))
	if user.Name != "" {
		log = log.With(slog.String("name", user.Name))
	}
	out = Outcome{User: user.Address, Name: user.Name}
	stage := StageReadPolicy

	defer func() {
		if r := recover(); r != nil {
			if out.Attempted {
				log.Error("panic after submission", slog.String("stage", string(stage)), slog.Any("panic", r))
			} else {
				out = o.skip(log, out, stage, SkipInternalError, fmt.Sprintf("panic: %v", r))
			}
		}
		o.observe(span, out)
	}()

	if o.Paused() {
		return o.skip(log, out, stage, SkipKeeperPaused, "")
	}

	raw, err := o.readPolicy(ctx, user)
	if err != nil {
		return o.skip(log, out, stage, SkipPolicyUnavailable, err.Error())
	}
	pol, path := o.deps.Resolver.ResolveWithPath(raw)
	log.Debug("policy resolved",
		slog.String("stage", string(stage)),
		slog.String("path", string(path)),
		slog.Bool("enabled", pol.Enabled),
		slog.Float64("min_hf", pol.MinHealthFactor),
		slog.Float64("target_hf", pol.TargetHealthFactor),
		slog.Float64("max_amount_usd", pol.MaxAmountUSD),
	)

	stage = StageCheckConsent
	if !pol.Enabled {
		return o.skip(log, out, stage, SkipRescueNotEnabled, "")
	}

	stage = StageValidatePolicy
	if violations := policy.Validate(pol); len(violations) > 0 {
		return o.skip(log, out, stage, SkipPolicyInvalid, strings.Join(violations, "; "))
	}

	stage = StageCheckChain
	if !pol.AllowsChain(o.deps.ChainID) {
		return o.skip(log, out, stage, SkipChainNotAllowed, fmt.Sprintf("chain %d not in policy", o.deps.ChainID))
	}

	stage = StageCheckCooldown
	o.checkCooldown(ctx, log, user, pol)

	stage = StageReadPosition
	snap, ok := o.deps.Monitor.ReadPosition(ctx, o.deps.Pool, user.Address)
	if !ok {
		return o.skip(log, out, stage, SkipPositionUnavailable, "position read failed")
	}
	out.HealthFactor = snap.HealthFactor
	o.metrics.SetHealthFactor(user.Address.Hex(), snap.HealthFactor)

	stage = StageCheckNeedsRescue
	if !(snap.HealthFactor < pol.MinHealthFactor) {
		log.Debug("position healthy",
			slog.String("stage", string(stage)),
			slog.Float64("health_factor", snap.HealthFactor),
			slog.String("risk", health.Classify(snap.HealthFactor).String()),
		)
		return o.skip(log, out, stage, SkipPositionHealthy, "")
	}
	log.Warn("position below minimum health factor",
		slog.String("stage", string(stage)),
		slog.Float64("health_factor", snap.HealthFactor),
		slog.Float64("min_hf", pol.MinHealthFactor),
		slog.String("risk", health.Classify(snap.HealthFactor).String()),
	)

	stage = StageComputeSupply
	decision := supply.ComputeRequiredSupply(snap.SupplyPosition(), pol)
	out.ExpectedHealthFactor = decision.ExpectedHealthFactor
	log.Info("supply computed",
		slog.String("stage", string(stage)),
		slog.String("reason", decision.Reason.String()),
		slog.Float64("amount_usd", decision.AmountUSD),
		slog.Float64("expected_hf", decision.ExpectedHealthFactor),
	)
	if decision.Reason == supply.ReasonNoDebt || decision.Reason == supply.ReasonHealthy || decision.AmountUSD <= 0 {
		return o.skip(log, out, stage, SkipNoSupplyRequired, decision.Reason.String())
	}

	stage = StageCheckWillRestore
	if !decision.WillRestoreHealth || !decision.Executable() {
		return o.skip(log, out, stage, SkipInsufficientCapForSafety,
			fmt.Sprintf("cap %.2f USD reaches hf %.4f below minimum %.2f", pol.MaxAmountUSD, decision.ExpectedHealthFactor, pol.MinHealthFactor))
	}

	stage = StageSelectStablecoin
	coin, ok := tokens.Select(pol.AllowedTokens, o.deps.ChainID)
	if !ok {
		return o.skip(log, out, stage, SkipNoStablecoinAvailable, fmt.Sprintf("none of %v on chain %d", pol.AllowedTokens, o.deps.ChainID))
	}
	out.Token = coin.Symbol()

	stage = StageConvertUnits
	units, err := coin.ToBaseUnits(decision.AmountUSD)
	if err != nil {
		return o.skip(log, out, stage, SkipAmountConversionFailed, err.Error())
	}
	amountUSD := coin.FromBaseUnits(units)
	out.AmountUSD = amountUSD
	// Flooring to base units can drop the amount below break-even.
	out.ExpectedHealthFactor = supply.EstimateHealthFactorAfterSupply(snap.SupplyPosition(), amountUSD)
	if out.ExpectedHealthFactor < pol.MinHealthFactor {
		return o.skip(log, out, stage, SkipInsufficientCapForSafety,
			fmt.Sprintf("%s %s reaches hf %.6f below minimum %.2f", units.Dec(), coin.Symbol(), out.ExpectedHealthFactor, pol.MinHealthFactor))
	}

	stage = StageGetQuote
	q, ok := o.deps.Validator.GetExecutionQuote(ctx, quote.Params{
		ChainID:   o.deps.ChainID,
		Token:     coin,
		Amount:    units,
		User:      user.Address,
		Recipient: user.Address,
	})
	if !ok {
		return o.skip(log, out, stage, SkipQuoteUnavailable, "no route")
	}

	stage = StageValidateTarget
	trusted, ok := o.deps.Validator.Verify(o.deps.ChainID, q)
	if !ok {
		return o.skip(log, out, stage, SkipQuoteTargetInvalid, "untrusted target "+q.Target.Hex())
	}

	stage = StageSubmit
	res := o.submit(ctx, execution.Request{
		User:      user.Address,
		Token:     coin,
		Amount:    units,
		AmountUSD: amountUSD,
		Quote:     trusted,
	})
	out.Attempted = true
	out.Success = res.Success
	out.TxID = res.TxID
	out.Error = res.Error
	out.Failure = res.Failure()
	if res.Success {
		log.Info("rescue submitted",
			slog.String("stage", string(stage)),
			slog.String("tx_id", res.TxID),
			slog.String("token", coin.String()),
			slog.Float64("amount_usd", amountUSD),
			slog.Float64("expected_hf", out.ExpectedHealthFactor),
		)
	} else {
		log.Error("rescue failed",
			slog.String("stage", string(stage)),
			slog.String("tx_id", res.TxID),
			slog.String("failure", out.Failure.String()),
			slog.String("error", res.Error),
		)
	}

	stage = StageRecord
	o.record(ctx, log, out, coin, units.Dec(), trusted.Target())
	return out
}

func (o *Orchestrator) readPolicy(ctx context.Context, user User) (map[string]string, error) {
	if o.policyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.policyTimeout)
		defer cancel()
	}
	return o.deps.Store.ReadRaw(ctx, user.PolicyName())
}

// checkCooldown is advisory; the executor contract enforces the cooldown.
func (o *Orchestrator) checkCooldown(ctx context.Context, log *slog.Logger, user User, pol policy.RescuePolicy) {
	if o.deps.History == nil || pol.CooldownSeconds <= 0 {
		return
	}
	ctx, cancel := o.historyContext(ctx)
	defer cancel()
	last, found, err := o.deps.History.LastSuccess(ctx, user.Address.Hex())
	if err != nil {
		log.Warn("cooldown check failed",
			slog.String("stage", string(StageCheckCooldown)),
			slog.String("error", err.Error()),
		)
		return
	}
	if !found {
		return
	}
	if elapsed := o.now().Sub(last); elapsed < pol.Cooldown() {
		log.Info("local cooldown active, deferring to executor",
			slog.String("stage", string(StageCheckCooldown)),
			slog.Duration("elapsed", elapsed),
			slog.Duration("cooldown", pol.Cooldown()),
		)
	}
}

func (o *Orchestrator) historyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.historyTimeout > 0 {
		return context.WithTimeout(ctx, o.historyTimeout)
	}
	return ctx, func() {}
}

func (o *Orchestrator) submit(ctx context.Context, req execution.Request) (res execution.Result) {
	if o.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.submitTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			res = execution.Result{Success: false, Error: fmt.Sprintf("submitter panic: %v", r)}
		}
	}()
	return o.deps.Submitter.Submit(ctx, req)
}

func (o *Orchestrator) record(ctx context.Context, log *slog.Logger, out Outcome, coin tokens.Stablecoin, units string, target common.Address) {
	if o.deps.History == nil {
		return
	}
	rec := history.Record{
		User:                 out.User.Hex(),
		ChainID:              o.deps.ChainID,
		Token:                coin.Symbol(),
		AmountUSD:            out.AmountUSD,
		AmountUnits:          units,
		Target:               target.Hex(),
		TxID:                 out.TxID,
		Success:              out.Success,
		FailureKind:          out.Failure.String(),
		Error:                out.Error,
		HealthFactorBefore:   finiteOrZero(out.HealthFactor),
		ExpectedHealthFactor: finiteOrZero(out.ExpectedHealthFactor),
		CreatedAt:            o.now().UTC(),
	}
	ctx, cancel := o.historyContext(ctx)
	defer cancel()
	saved, err := o.deps.History.Save(ctx, rec)
	if err != nil {
		log.Warn("history write failed",
			slog.String("stage", string(StageRecord)),
			slog.String("error", err.Error()),
		)
		return
	}
	log.Debug("attempt recorded", slog.String("stage", string(StageRecord)), slog.String("attempt", saved.ID.String()))
}

func (o *Orchestrator) skip(log *slog.Logger, out Outcome, stage Stage, reason SkipReason, detail string) Outcome {
	out.Skipped = true
	out.Reason = reason
	out.Stage = stage
	out.Detail = detail
	attrs := []any{
		slog.String("stage", string(stage)),
		slog.String("reason", reason.String()),
	}
	if detail != "" {
		attrs = append(attrs, slog.String("detail", detail))
	}
	switch reason {
	case SkipQuoteTargetInvalid, SkipInternalError:
		log.Error("user skipped", attrs...)
	case SkipPolicyUnavailable, SkipPositionUnavailable, SkipQuoteUnavailable,
		SkipInsufficientCapForSafety, SkipPolicyInvalid, SkipAmountConversionFailed, SkipNoStablecoinAvailable:
		log.Warn("user skipped", attrs...)
	default:
		log.Info("user skipped", attrs...)
	}
	return out
}

func (o *Orchestrator) observe(span trace.Span, out Outcome) {
	if out.Skipped {
		span.SetAttributes(attribute.String("skip_reason", out.Reason.String()))
		if out.Reason == SkipInternalError || out.Reason == SkipQuoteTargetInvalid {
			span.SetStatus(codes.Error, out.Reason.String())
		}
		o.metrics.RecordOutcome("skipped", out.Reason.String())
		return
	}
	if out.Attempted {
		span.SetAttributes(
			attribute.Bool("success", out.Success),
			attribute.String("tx_id", out.TxID),
			attribute.Float64("amount_usd", out.AmountUSD),
		)
		if !out.Success {
			span.SetStatus(codes.Error, out.Failure.String())
		}
		o.metrics.RecordOutcome("attempted", "")
		failure := ""
		if !out.Success {
			failure = out.Failure.String()
		}
		o.metrics.RecordAttempt(out.Success, failure, out.AmountUSD)
	}
}

func finiteOrZero(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}
