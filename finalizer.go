package txfinalizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/tranvictor/jarvis/networks"
	"golang.org/x/sync/errgroup"

	"github.com/tranvictor/txfinalizer/internal/claim"
	"github.com/tranvictor/txfinalizer/internal/nonce"
)

// History notes
const (
	NoteClassified            = "Transaction type classified"
	NoteGasLimitResolved      = "Gas limit resolved"
	NoteFeesResolved          = "Gas fees resolved"
	NoteNonceAssigned         = "Nonce assigned"
	NotePrepared              = "Transaction prepared for confirmation"
	NoteFinalized             = "Transaction finalized"
	NoteGasFeesUpdated        = "Gas fees updated by user"
	NoteParamsUpdated         = "Transaction params updated by user"
	NoteSwapBalanceReconciled = "Reconciled swap balance"
)

// Event topics
const (
	TopicSwapNew         = "swap.new"
	TopicSwapApprovalNew = "swap.approval.new"
)

// DefaultClaimTTL bounds how long a crashed caller can keep a record claimed
const DefaultClaimTTL = 2 * time.Minute

type chainEntry struct {
	network networks.Network
	reader  ChainReader
	opts    ChainOptions
}

// Finalizer completes partially specified transactions: it classifies them,
// resolves fees and gas limit concurrently, then leases a nonce, recording
// every stage in the record history.
//
// It keeps
//  1. the chains it can finalize for, keyed by chain id
//  2. the per wallet nonce sequences and their FIFO locks
//  3. claims on the records currently being finalized
//  4. optional stores, estimators and publishers the pipeline consults
type Finalizer struct {
	chains sync.Map // map[uint64]*chainEntry

	nonces     *nonce.Tracker
	nonceStore NonceStore
	recovered  sync.Map // map[nonce.Key]bool

	claims claim.Store

	records      RecordStore
	savedFees    SavedFeesStore
	feeEstimator GasFeeEstimator
	publisher    Publisher
	metrics      *Metrics
	swapTokens   *SwapTokenTable

	defaultGasMultiplier float64
	gasMultipliers       map[uint64]float64

	swapMaxAttempts int
	swapRetryDelay  time.Duration

	simulationFailedHook SimulationFailedHook
	finalizedHook        FinalizedHook
}

// FinalizerOption is a function that configures a Finalizer
type FinalizerOption func(*Finalizer)

// WithChain registers a network and the reader used to query it
func WithChain(network networks.Network, reader ChainReader, opts ChainOptions) FinalizerOption {
	return func(f *Finalizer) {
		f.AddChain(network, reader, opts)
	}
}

// WithDefaultGasMultiplier sets the gas buffer multiplier used when a chain has no override
func WithDefaultGasMultiplier(multiplier float64) FinalizerOption {
	return func(f *Finalizer) {
		if multiplier > 0 {
			f.defaultGasMultiplier = multiplier
		}
	}
}

// WithGasMultiplier overrides the gas buffer multiplier for one chain
func WithGasMultiplier(chainID uint64, multiplier float64) FinalizerOption {
	return func(f *Finalizer) {
		f.gasMultipliers[chainID] = multiplier
	}
}

// WithRecordStore sets the store used to persist records and scan pending nonces
func WithRecordStore(store RecordStore) FinalizerOption {
	return func(f *Finalizer) {
		f.records = store
	}
}

// WithSavedFees sets the store of user saved fee preferences
func WithSavedFees(store SavedFeesStore) FinalizerOption {
	return func(f *Finalizer) {
		f.savedFees = store
	}
}

// WithFeeEstimator sets the tiered fee estimate provider
func WithFeeEstimator(estimator GasFeeEstimator) FinalizerOption {
	return func(f *Finalizer) {
		f.feeEstimator = estimator
	}
}

// WithPublisher sets where swap notifications are published
func WithPublisher(publisher Publisher) FinalizerOption {
	return func(f *Finalizer) {
		f.publisher = publisher
	}
}

// WithMetrics sets the prometheus collectors
func WithMetrics(metrics *Metrics) FinalizerOption {
	return func(f *Finalizer) {
		f.metrics = metrics
	}
}

// WithNonceStore enables persistence of the local nonce reservations
func WithNonceStore(store NonceStore) FinalizerOption {
	return func(f *Finalizer) {
		f.nonceStore = store
	}
}

// WithClaimStore replaces the in-memory record claim store
func WithClaimStore(store claim.Store) FinalizerOption {
	return func(f *Finalizer) {
		f.claims = store
	}
}

// WithSwapTokens sets the per chain default token table used by swap
// reconciliation. Chains missing from table default to their native token.
func WithSwapTokens(table *SwapTokenTable) FinalizerOption {
	return func(f *Finalizer) {
		f.swapTokens = table
	}
}

// WithSwapRetry overrides the swap reconciliation attempt count and delay
func WithSwapRetry(maxAttempts int, delay time.Duration) FinalizerOption {
	return func(f *Finalizer) {
		if maxAttempts > 0 {
			f.swapMaxAttempts = maxAttempts
		}
		if delay >= 0 {
			f.swapRetryDelay = delay
		}
	}
}

// WithSimulationFailedHook sets the hook called when gas estimation failed
func WithSimulationFailedHook(hook SimulationFailedHook) FinalizerOption {
	return func(f *Finalizer) {
		f.simulationFailedHook = hook
	}
}

// WithFinalizedHook sets the hook called after a record was finalized
func WithFinalizedHook(hook FinalizedHook) FinalizerOption {
	return func(f *Finalizer) {
		f.finalizedHook = hook
	}
}

// NewFinalizer creates a Finalizer
func NewFinalizer(opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		nonces:               nonce.NewTracker(),
		defaultGasMultiplier: DefaultGasMultiplier,
		gasMultipliers:       make(map[uint64]float64),
		swapMaxAttempts:      SwapBalanceMaxAttempts,
		swapRetryDelay:       SwapBalanceRetryDelay,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.claims == nil {
		f.claims = claim.NewInMemoryStore(DefaultClaimTTL)
	}
	return f
}

// AddChain registers or replaces a chain. Safe for concurrent use.
func (f *Finalizer) AddChain(network networks.Network, reader ChainReader, opts ChainOptions) {
	f.chains.Store(network.GetChainID(), &chainEntry{
		network: network,
		reader:  reader,
		opts:    opts,
	})
}

func (f *Finalizer) chain(chainID uint64) (*chainEntry, error) {
	entry, ok := f.chains.Load(chainID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChainNotRegistered, chainID)
	}
	return entry.(*chainEntry), nil
}

// defaultSwapToken looks chainID up in the swap token table and falls back to
// the native token of the registered network.
func (f *Finalizer) defaultSwapToken(chainID uint64) (SwapToken, bool) {
	if f.swapTokens != nil {
		if tok, ok := f.swapTokens.Default(chainID); ok {
			return tok, true
		}
	}
	entry, err := f.chain(chainID)
	if err != nil {
		return SwapToken{}, false
	}
	return NativeSwapToken(entry.network), true
}

// withClaim runs fn while holding the claim on record id.
func (f *Finalizer) withClaim(ctx context.Context, id string, fn func() error) error {
	c, err := f.claims.Acquire(ctx, id)
	if err != nil {
		if errors.Is(err, claim.ErrClaimed) {
			return errors.Join(ErrRecordBusy, fmt.Errorf("record %s", id))
		}
		return fmt.Errorf("couldn't claim record %s: %w", id, err)
	}
	defer func() {
		if err := f.claims.Release(context.Background(), c); err != nil {
			logger.WithFields(logger.Fields{
				"record_id": id,
				"error":     err,
			}).Warn("couldn't release record claim")
		}
	}()
	return fn()
}

// Finalize runs the whole pipeline on rec: validation, classification, fee and
// gas resolution, then nonce assignment. On success rec is approved, persisted
// (when a record store is configured) and ready for signing.
func (f *Finalizer) Finalize(ctx context.Context, rec *Record) error {
	start := time.Now()
	err := f.withClaim(ctx, rec.ID, func() error {
		if err := f.prepare(ctx, rec); err != nil {
			return err
		}
		return f.approve(ctx, rec)
	})
	f.metrics.finalizeDone(err, time.Since(start))
	if err != nil {
		logger.WithFields(logger.Fields{
			"record_id": rec.ID,
			"chain_id":  rec.ChainID,
			"error":     err,
		}).Warn("finalize failed")
		return err
	}

	logger.WithFields(logger.Fields{
		"record_id": rec.ID,
		"wallet":    rec.Params.From.Hex(),
		"chain_id":  rec.ChainID,
		"type":      rec.Type,
		"nonce":     uint64(*rec.Params.Nonce),
		"gas":       uint64(*rec.Params.Gas),
	}).Info("transaction finalized")
	f.fireFinalized(rec)
	return nil
}

// Prepare resolves everything except the nonce and persists rec, leaving it
// unapproved so the user can still edit fees and params.
func (f *Finalizer) Prepare(ctx context.Context, rec *Record) error {
	return f.withClaim(ctx, rec.ID, func() error {
		if err := f.prepare(ctx, rec); err != nil {
			return err
		}
		return f.persist(ctx, rec, NotePrepared)
	})
}

// Approve assigns the nonce of a prepared record and persists it.
func (f *Finalizer) Approve(ctx context.Context, rec *Record) error {
	return f.withClaim(ctx, rec.ID, func() error {
		return f.approve(ctx, rec)
	})
}

func (f *Finalizer) prepare(ctx context.Context, rec *Record) error {
	if rec.Status != StatusUnapproved {
		return errors.Join(ErrRecordNotUnapproved, fmt.Errorf("record %s is %s", rec.ID, rec.Status))
	}
	if err := ValidateParams(rec.ChainID, rec.Params); err != nil {
		return err
	}
	entry, err := f.chain(rec.ChainID)
	if err != nil {
		return err
	}
	if len(rec.History) == 0 {
		if err := rec.Snapshot(); err != nil {
			return err
		}
	}

	if !rec.Type.IsSwap() {
		rec.Type, _ = Classify(ctx, entry.reader, rec.Params)
	}
	publish := f.publisher != nil && rec.Type.IsSwap() && !rec.SwapPublished
	if publish {
		rec.SwapPublished = true
	}
	if err := f.recordChange(rec, NoteClassified); err != nil {
		return err
	}
	if publish {
		f.publishSwap(rec)
	}

	in := FeeInputs{EIP1559: f.supportsEIP1559(ctx, entry, rec)}
	if in.EIP1559 && f.savedFees != nil {
		saved, err := f.savedFees.GetSavedFees(ctx, rec.ChainID)
		if err != nil {
			logger.WithFields(logger.Fields{
				"record_id": rec.ID,
				"chain_id":  rec.ChainID,
				"error":     err,
			}).Warn("couldn't read saved fees, ignoring them")
		} else {
			in.Saved = saved
		}
	}

	var (
		fees feeResult
		gas  gasResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fees = f.resolveFees(gctx, rec, in)
		return nil
	})
	g.Go(func() error {
		var err error
		gas, err = f.resolveGasLimit(gctx, rec, entry.opts)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	applyGas(rec, gas)
	if err := f.recordChange(rec, NoteGasLimitResolved); err != nil {
		return err
	}
	f.fireSimulationFailed(rec)

	applyFees(rec, fees)
	rec.DefaultGasEstimates = defaultGasEstimates(rec, fees.EstimateType)
	return f.recordChange(rec, NoteFeesResolved)
}

func (f *Finalizer) approve(ctx context.Context, rec *Record) error {
	if rec.Status != StatusUnapproved {
		if rec.Params.Nonce != nil {
			return errors.Join(ErrNonceAlreadyAssigned, fmt.Errorf("record %s has nonce %d", rec.ID, uint64(*rec.Params.Nonce)))
		}
		return errors.Join(ErrRecordNotUnapproved, fmt.Errorf("record %s is %s", rec.ID, rec.Status))
	}

	backup, err := rec.Clone()
	if err != nil {
		return err
	}

	n, lease, err := f.ResolveNonce(ctx, rec)
	if err != nil {
		return err
	}
	defer lease.Release()

	assigned := hexutilUint64(n)
	rec.Params.Nonce = assigned
	rec.Status = StatusApproved
	if err := f.recordChange(rec, NoteNonceAssigned); err != nil {
		*rec = *backup
		return err
	}
	if err := f.persist(ctx, rec, NoteFinalized); err != nil {
		*rec = *backup
		return err
	}
	lease.Commit()
	return nil
}

func (f *Finalizer) persist(ctx context.Context, rec *Record, note string) error {
	if f.records == nil {
		return nil
	}
	if err := f.records.UpdateRecord(ctx, rec, note); err != nil {
		logger.WithFields(logger.Fields{
			"record_id": rec.ID,
			"chain_id":  rec.ChainID,
			"note":      note,
			"error":     err,
		}).Error("couldn't persist record")
		return errors.Join(ErrPersistRecordFailed, err)
	}
	return nil
}

func (f *Finalizer) recordChange(rec *Record, note string) error {
	if _, err := rec.RecordChange(note); err != nil {
		return fmt.Errorf("couldn't record history for %q: %w", note, err)
	}
	return nil
}

// supportsEIP1559 reports whether the fee-market fields should be resolved.
// An explicit legacy envelope wins, otherwise the latest block must carry a base fee.
func (f *Finalizer) supportsEIP1559(ctx context.Context, entry *chainEntry, rec *Record) bool {
	if t := rec.Params.Type; t != nil {
		return uint64(*t) >= 2
	}
	block, err := entry.reader.LatestBlock(ctx)
	if err != nil {
		logger.WithFields(logger.Fields{
			"record_id": rec.ID,
			"chain_id":  rec.ChainID,
			"error":     err,
		}).Warn("couldn't read latest block, assuming legacy fees")
		return false
	}
	return block.BaseFee != nil
}

type swapEvent struct {
	ID      string `json:"id"`
	ChainID uint64 `json:"chainId"`
	Type    TxType `json:"type"`
	From    string `json:"from"`
	Source  string `json:"sourceTokenSymbol,omitempty"`
	Dest    string `json:"destinationTokenSymbol,omitempty"`
}

// publishSwap notifies subscribers about swap records. Delivery is best effort
// and happens once per record, guarded by Record.SwapPublished.
func (f *Finalizer) publishSwap(rec *Record) {
	if f.publisher == nil || !rec.Type.IsSwap() {
		return
	}
	topic := TopicSwapNew
	if rec.Type == TxTypeSwapApproval {
		topic = TopicSwapApprovalNew
	}
	payload, err := json.Marshal(swapEvent{
		ID:      rec.ID,
		ChainID: rec.ChainID,
		Type:    rec.Type,
		From:    rec.Params.From.Hex(),
		Source:  rec.SourceTokenSymbol,
		Dest:    rec.DestinationTokenSymbol,
	})
	if err != nil {
		return
	}
	id := rec.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.publisher.Publish(ctx, topic, payload); err != nil {
			logger.WithFields(logger.Fields{
				"record_id": id,
				"topic":     topic,
				"error":     err,
			}).Warn("couldn't publish swap event")
		}
	}()
}
