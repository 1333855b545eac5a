package verify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/jtagverify/pkg/config"
	"github.com/OpenTraceLab/jtagverify/pkg/jtag"
	"github.com/OpenTraceLab/jtagverify/pkg/report"
	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

func newSim(t *testing.T, p *config.Profile) *jtag.SimTarget {
	t.Helper()
	sc, err := p.SimConfig(nil)
	require.NoError(t, err)
	sim, err := jtag.NewSimTarget(sc)
	require.NoError(t, err)
	return sim
}

func defaultProfile() *config.Profile {
	p := config.Default()
	return &p
}

func newBench(t *testing.T, p *config.Profile, opts Options) *Bench {
	t.Helper()
	b, err := New(p, newSim(t, p), opts)
	require.NoError(t, err)
	return b
}

func TestSuiteOnCleanTarget(t *testing.T) {
	p := defaultProfile()
	var buf bytes.Buffer
	enc, err := report.NewEncoder(&buf, report.FormatJSON)
	require.NoError(t, err)
	b := newBench(t, p, Options{Reference: newSim(t, p), Encoder: enc})
	assert.Nil(t, b.Injector())

	results := b.RunScenarios(context.Background(), b.Suite()...)
	require.Len(t, results, 7)
	for _, r := range results {
		assert.False(t, r.Failed(), "%s: %v", r.Name, r.Err)
	}

	s := b.Finish()
	require.NoError(t, b.Err())
	assert.EqualValues(t, 15, s.Transactions)
	assert.Equal(t, s.Transactions, s.Succeeded)
	assert.Equal(t, s.Transactions, s.Compliant, "violations: %v", s.ViolationsByKind)
	assert.Equal(t, s.Transactions, s.TimingValid, "timing: %v", s.TimingByParam)
	assert.Zero(t, s.Faults)

	require.NotNil(t, s.Scoreboard)
	assert.Equal(t, s.Transactions, s.Scoreboard.Matched)
	assert.Zero(t, s.Scoreboard.Mismatched+s.Scoreboard.TimedOut+s.Scoreboard.Evicted)
	assert.Zero(t, s.Scoreboard.Pending)
	assert.InDelta(t, 100.0, s.Scoreboard.MatchRate, 1e-9)

	records, err := report.ReadAll(&buf, report.FormatJSON)
	require.NoError(t, err)
	assert.Len(t, records, 15)
}

func TestSuiteWithInstructionCorruption(t *testing.T) {
	p := defaultProfile()
	p.Injection.Mode = "systematic"
	p.Injection.Rate = 100
	p.Injection.Kinds = []string{txn.FaultInstructionCorruption.String()}
	b := newBench(t, p, Options{Reference: newSim(t, p)})
	require.NotNil(t, b.Injector())

	b.RunScenarios(context.Background(), b.Suite()...)
	s := b.Finish()

	// Three transactions load an instruction: both probes and the BYPASS load.
	assert.EqualValues(t, 3, s.Faults)
	assert.EqualValues(t, 3, s.FaultsByKind[txn.FaultInstructionCorruption.String()])
	require.NotNil(t, s.Scoreboard)
	assert.EqualValues(t, 12, s.Scoreboard.Matched)
	assert.EqualValues(t, 6, s.Scoreboard.Mismatched+s.Scoreboard.TimedOut)
	assert.Less(t, s.Scoreboard.MatchRate, 100.0)
}

func TestRunWithoutReference(t *testing.T) {
	b := newBench(t, defaultProfile(), Options{})

	txs, err := b.Run(context.Background(),
		txn.Op{Kind: txn.KindReset},
		txn.Op{Kind: txn.KindDataScan, Length: 32})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, uint64(0x4BA00477), txs[1].Captured.Uint())

	s := b.Finish()
	assert.EqualValues(t, 2, s.Transactions)
	assert.Zero(t, s.Scoreboard.Matched)
	assert.EqualValues(t, 2, s.Scoreboard.TimedOut)
}

func TestRunReportsFailedSequence(t *testing.T) {
	b := newBench(t, defaultProfile(), Options{})

	txs, err := b.Run(context.Background(),
		txn.Op{Kind: txn.KindReset},
		txn.Op{Kind: txn.KindDataScan})
	require.ErrorIs(t, err, ErrSequenceFailed)
	require.Len(t, txs, 2)
	assert.Equal(t, txn.StatusError, txs[1].Status)
}

func TestRunHonoursContextWhileWaiting(t *testing.T) {
	b := newBench(t, defaultProfile(), Options{})
	b.seq <- struct{}{}
	defer func() { <-b.seq }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Run(ctx, txn.Op{Kind: txn.KindReset})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunChecksWidthOfOpcodeOnlyLoads(t *testing.T) {
	b := newBench(t, defaultProfile(), Options{})

	txs, err := b.Run(context.Background(),
		txn.Op{Kind: txn.KindReset},
		txn.Op{Kind: txn.KindInstructionLoad, Instruction: txn.Instruction{Code: 0xF, Width: 4}},
		txn.Op{Kind: txn.KindDataScan, Length: 32})
	require.NoError(t, err)
	require.Len(t, txs, 3)

	s := b.Finish()
	assert.EqualValues(t, 2, s.Compliant)
	assert.EqualValues(t, 1, s.ViolationsByKind["data-width"], "violations: %v", s.ViolationsByKind)
}
