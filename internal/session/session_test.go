package session_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/VeltarosLabs/stakechain/internal/blockchain"
	"github.com/VeltarosLabs/stakechain/internal/consensus"
	"github.com/VeltarosLabs/stakechain/internal/crypto"
	"github.com/VeltarosLabs/stakechain/internal/gtest"
	"github.com/VeltarosLabs/stakechain/internal/session"
	"github.com/VeltarosLabs/stakechain/internal/staking"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	blocks chan blockchain.Block
	err    error
}

func (f *fakeSubmitter) Submit(b blockchain.Block) error {
	if f.err != nil {
		return f.err
	}
	f.blocks <- b
	return nil
}

type fixture struct {
	Chain     *blockchain.Chain
	Registry  *staking.Registry
	Trigger   *consensus.Trigger
	Submitter *fakeSubmitter

	client *bufio.Reader
	conn   net.Conn
	done   chan error
}

func newFixture(t *testing.T, cfg session.Config, submitErr error) *fixture {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	log := gtest.NewLogger(t)

	f := &fixture{
		Chain:     blockchain.New(),
		Registry:  staking.NewRegistry(),
		Trigger:   consensus.NewTrigger(ctx, log, consensus.TriggerConfig{}),
		Submitter: &fakeSubmitter{blocks: make(chan blockchain.Block, 4), err: submitErr},
		done:      make(chan error, 1),
	}

	h := session.NewHandler(log, f.Chain, f.Registry, f.Submitter, f.Trigger, cfg)

	serverConn, clientConn := net.Pipe()
	f.conn = clientConn
	f.client = bufio.NewReader(clientConn)

	go func() {
		f.done <- h.Serve(ctx, serverConn)
		_ = serverConn.Close()
	}()

	t.Cleanup(func() {
		cancel()
		_ = clientConn.Close()
		f.Trigger.Wait()
	})
	return f
}

func (f *fixture) expect(t *testing.T, want string) {
	t.Helper()

	_ = f.conn.SetReadDeadline(time.Now().Add(gtest.ScaleMs(1000)))
	line, err := f.client.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, want, strings.TrimSuffix(line, "\n"))
}

func (f *fixture) readLine(t *testing.T) string {
	t.Helper()

	_ = f.conn.SetReadDeadline(time.Now().Add(gtest.ScaleMs(1000)))
	line, err := f.client.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

// expectSilence requires that nothing arrives from the server for d.
func (f *fixture) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()

	_ = f.conn.SetReadDeadline(time.Now().Add(d))
	line, err := f.client.ReadString('\n')
	var nerr net.Error
	require.True(t, errors.As(err, &nerr) && nerr.Timeout(), "unexpected line %q (err %v)", line, err)
}

func (f *fixture) send(t *testing.T, line string) {
	t.Helper()

	_ = f.conn.SetWriteDeadline(time.Now().Add(gtest.ScaleMs(1000)))
	_, err := f.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

// register walks through both prompts and returns the assigned validator id.
func (f *fixture) register(t *testing.T, stake string) string {
	t.Helper()

	f.expect(t, session.PromptBalance)
	f.send(t, "100")
	f.expect(t, session.PromptStake)
	f.send(t, stake)

	line := f.readLine(t)
	id, ok := strings.CutPrefix(line, "Validator hash: ")
	require.True(t, ok, line)
	require.True(t, crypto.IsHexDigest(id), id)

	f.expect(t, "Last block:")
	f.expect(t, " "+f.Chain.Tip().String())

	gtest.Eventually(t, func() bool { return f.Trigger.SubscriberCount() == 1 }, "session subscribed")
	return id
}

func TestServe_registration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)

	f.expect(t, session.PromptBalance)
	f.send(t, "lots")
	f.expect(t, session.InvalidValue)
	f.expect(t, session.PromptBalance)
	f.send(t, " 250 ")

	f.expect(t, session.PromptStake)
	f.send(t, "-3")
	f.expect(t, session.InvalidValue)
	f.expect(t, session.PromptStake)
	f.send(t, "7")

	line := f.readLine(t)
	id, ok := strings.CutPrefix(line, "Validator hash: ")
	require.True(t, ok, line)

	stake, ok := f.Registry.StakeOf(id)
	require.True(t, ok)
	require.Equal(t, uint64(7), stake)

	f.expect(t, "Last block:")
	f.expect(t, " "+blockchain.NewGenesisBlock().String())
}

func TestServe_rejectsOverlongLine(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)

	// Trimmed, this would be a valid answer; its length alone gets it refused.
	f.expect(t, session.PromptBalance)
	f.send(t, strings.Repeat(" ", 64<<10)+"5")
	f.expect(t, session.InvalidValue)
	f.expect(t, session.PromptBalance)

	f.send(t, strings.Repeat("7", 8<<10))
	f.expect(t, session.InvalidValue)
	f.expect(t, session.PromptBalance)

	f.send(t, "100")
	f.expect(t, session.PromptStake)
	f.send(t, "3")

	line := f.readLine(t)
	id, ok := strings.CutPrefix(line, "Validator hash: ")
	require.True(t, ok, line)

	stake, ok := f.Registry.StakeOf(id)
	require.True(t, ok)
	require.Equal(t, uint64(3), stake)
}

func TestServe_proposesOnTrigger(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)
	id := f.register(t, "5")

	res := f.Trigger.Fire()
	require.Equal(t, 1, res.Delivered)

	b := gtest.ReceiveSoon(t, f.Submitter.blocks)
	genesis := f.Chain.Tip()
	require.Equal(t, uint64(1), b.Index)
	require.Equal(t, genesis.Hash, b.PrevHash)
	require.Equal(t, id, b.Validator)
	require.True(t, b.SelfConsistent())
}

func TestServe_writesCommittedTip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)
	_ = f.register(t, "5")

	next := blockchain.NextBlock(f.Chain.Tip(), "someone")
	require.NoError(t, f.Chain.Append(next))
	f.Trigger.NotifyCommitted(next)

	f.expect(t, "Last block:")
	f.expect(t, " "+next.String())
}

func TestServe_tipEcho(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{TipEcho: gtest.ScaleMs(10)}, nil)
	_ = f.register(t, "5")

	f.Trigger.Fire()
	_ = gtest.ReceiveSoon(t, f.Submitter.blocks)

	f.expect(t, "Last block:")
	f.expect(t, " "+f.Chain.Tip().String())
}

func TestServe_tipEchoSkippedAfterCommit(t *testing.T) {
	t.Parallel()

	echo := gtest.ScaleMs(100)
	f := newFixture(t, session.Config{TipEcho: echo}, nil)
	_ = f.register(t, "5")

	f.Trigger.Fire()
	b := gtest.ReceiveSoon(t, f.Submitter.blocks)
	require.NoError(t, f.Chain.Append(b))
	f.Trigger.NotifyCommitted(b)

	f.expect(t, "Last block:")
	f.expect(t, " "+b.String())

	// The commit already delivered the tip; the pending echo must not repeat it.
	f.expectSilence(t, 3*echo)

	// The loop is still serving notifications after the canceled echo.
	f.Trigger.Fire()
	next := gtest.ReceiveSoon(t, f.Submitter.blocks)
	require.Equal(t, b.Hash, next.PrevHash)
}

func TestServe_reportsRejectedProposal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, consensus.ErrProposalBufferFull)
	_ = f.register(t, "5")

	f.Trigger.Fire()
	f.expect(t, "Proposal failed: "+consensus.ErrProposalBufferFull.Error())
}

func TestServe_disconnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)
	_ = f.register(t, "5")

	require.NoError(t, f.conn.Close())
	require.NoError(t, gtest.ReceiveSoon(t, f.done))

	// The subscription is pruned on the next fan-out.
	res := f.Trigger.Fire()
	require.Equal(t, consensus.FanoutResult{Pruned: 1}, res)
	require.Zero(t, f.Trigger.SubscriberCount())
}

func TestServe_hangupDuringPrompt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)
	f.expect(t, session.PromptBalance)
	require.NoError(t, f.conn.Close())

	require.NoError(t, gtest.ReceiveSoon(t, f.done))
	require.Zero(t, f.Registry.Count())
}

func TestValidatorID(t *testing.T) {
	t.Parallel()

	at := time.Unix(1700000000, 0)
	id := session.ValidatorID("127.0.0.1:5000", at)
	require.Equal(t, crypto.Sha256Hex([]byte("127.0.0.1:50001700000000")), id)
	require.NotEqual(t, id, session.ValidatorID("127.0.0.1:5001", at))
	require.NotEqual(t, id, session.ValidatorID("127.0.0.1:5000", at.Add(time.Second)))
}
