package txfinalizer

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/txfinalizer/testutil"
)

// ============================================================
// Mock ChainReader
// ============================================================

type mockReader struct {
	mu sync.Mutex

	code     map[common.Address][]byte
	balances []*big.Int // successive BalanceAt answers, the last one repeats
	nonce    uint64
	block    BlockInfo
	gasPrice *big.Int

	estimate    func(req CallRequest) (uint64, error)
	codeErr     error
	blockErr    error
	nonceErr    error
	gasPriceErr error

	calls map[string]int
}

func newMockReader() *mockReader {
	return &mockReader{
		code: make(map[common.Address][]byte),
		block: BlockInfo{
			Number:   big.NewInt(19000000),
			GasLimit: 30000000,
			BaseFee:  new(big.Int).Set(testutil.TwentyGwei),
		},
		gasPrice: new(big.Int).Set(testutil.TwentyGwei),
		calls:    make(map[string]int),
	}
}

func (m *mockReader) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
}

func (m *mockReader) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *mockReader) setCode(addr common.Address, code []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code[addr] = code
}

func (m *mockReader) setNonce(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonce = n
}

func (m *mockReader) CodeAt(_ context.Context, addr common.Address) ([]byte, error) {
	m.count("CodeAt")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codeErr != nil {
		return nil, m.codeErr
	}
	return m.code[addr], nil
}

func (m *mockReader) BalanceAt(_ context.Context, _ common.Address) (*big.Int, error) {
	m.count("BalanceAt")
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.balances) == 0 {
		return big.NewInt(0), nil
	}
	b := m.balances[0]
	if len(m.balances) > 1 {
		m.balances = m.balances[1:]
	}
	return new(big.Int).Set(b), nil
}

func (m *mockReader) LatestBlock(_ context.Context) (BlockInfo, error) {
	m.count("LatestBlock")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blockErr != nil {
		return BlockInfo{}, m.blockErr
	}
	return m.block, nil
}

func (m *mockReader) EstimateGas(_ context.Context, req CallRequest) (uint64, error) {
	m.count("EstimateGas")
	if m.estimate != nil {
		return m.estimate(req)
	}
	return 50000, nil
}

func (m *mockReader) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	m.count("SuggestGasPrice")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gasPriceErr != nil {
		return nil, m.gasPriceErr
	}
	return new(big.Int).Set(m.gasPrice), nil
}

func (m *mockReader) NonceAt(_ context.Context, _ common.Address) (uint64, error) {
	m.count("NonceAt")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nonceErr != nil {
		return 0, m.nonceErr
	}
	return m.nonce, nil
}

// ============================================================
// Mock GasFeeEstimator
// ============================================================

type mockFeeEstimator struct {
	estimates *GasFeeEstimates
	err       error
	calls     int
	mu        sync.Mutex
}

func (m *mockFeeEstimator) GasFeeEstimates(_ context.Context, _ uint64) (*GasFeeEstimates, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.estimates, m.err
}

func feeMarketEstimates(maxFee, priority string) *GasFeeEstimates {
	tier := &FeeMarketTier{SuggestedMaxFeePerGas: maxFee, SuggestedMaxPriorityFeePerGas: priority}
	return &GasFeeEstimates{Type: EstimateTypeFeeMarket, Low: tier, Medium: tier, High: tier}
}

// ============================================================
// Mock RecordStore / SavedFeesStore
// ============================================================

type mockRecordStore struct {
	mu      sync.Mutex
	records map[string]*Record
	notes   []string
	saved   map[uint64]*SavedFees

	updateErr error
}

func newMockRecordStore() *mockRecordStore {
	return &mockRecordStore{
		records: make(map[string]*Record),
		saved:   make(map[uint64]*SavedFees),
	}
}

func (m *mockRecordStore) put(rec *Record) {
	cp, err := rec.Clone()
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = cp
}

func (m *mockRecordStore) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

func (m *mockRecordStore) GetRecord(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	rec, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone()
}

func (m *mockRecordStore) UpdateRecord(_ context.Context, rec *Record, note string) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.put(rec)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, note)
	return nil
}

func (m *mockRecordStore) ListRecords(_ context.Context, filter RecordFilter) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, rec := range m.records {
		if filter.Match(rec) {
			cp, err := rec.Clone()
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRecordStore) GetSavedFees(_ context.Context, chainID uint64) (*SavedFees, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[chainID], nil
}

// ============================================================
// Mock NonceStore
// ============================================================

type mockNonceStore struct {
	mu       sync.Mutex
	pending  map[uint64]uint64
	reserved map[uint64]map[uint64]bool
	gets     int
}

func newMockNonceStore() *mockNonceStore {
	return &mockNonceStore{
		pending:  make(map[uint64]uint64),
		reserved: make(map[uint64]map[uint64]bool),
	}
}

func (m *mockNonceStore) Get(_ context.Context, wallet common.Address, chainID uint64) (*NonceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	n, ok := m.pending[chainID]
	if !ok {
		return nil, nil
	}
	state := &NonceState{Wallet: wallet, ChainID: chainID, LocalPendingNonce: &n}
	for r := range m.reserved[chainID] {
		state.ReservedNonces = append(state.ReservedNonces, r)
	}
	return state, nil
}

func (m *mockNonceStore) SavePendingNonce(_ context.Context, _ common.Address, chainID uint64, n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[chainID] = n
	return nil
}

func (m *mockNonceStore) ClearPendingNonce(_ context.Context, _ common.Address, chainID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, chainID)
	return nil
}

func (m *mockNonceStore) hasPending(chainID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[chainID]
	return ok
}

func (m *mockNonceStore) AddReservedNonce(_ context.Context, _ common.Address, chainID uint64, n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserved[chainID] == nil {
		m.reserved[chainID] = make(map[uint64]bool)
	}
	m.reserved[chainID][n] = true
	return nil
}

func (m *mockNonceStore) RemoveReservedNonce(_ context.Context, _ common.Address, chainID uint64, n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved[chainID], n)
	return nil
}

func (m *mockNonceStore) isReserved(chainID, n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved[chainID][n]
}

// ============================================================
// Helpers
// ============================================================

var mainnet = testutil.NewNetwork(testutil.ChainIDMainnet, "mock-mainnet")

// newTestFinalizer registers mainnet backed by reader
func newTestFinalizer(reader *mockReader, opts ...FinalizerOption) *Finalizer {
	all := append([]FinalizerOption{WithChain(mainnet, reader, ChainOptions{})}, opts...)
	return NewFinalizer(all...)
}

func newTestRecord(params TxParams) *Record {
	if params.From == (common.Address{}) {
		params.From = testutil.TestAddr1
	}
	rec, err := NewRecord(testutil.ChainIDMainnet, "", params)
	if err != nil {
		panic(err)
	}
	return rec
}

func addrPtr(a common.Address) *common.Address { return &a }
