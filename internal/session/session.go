// Package session runs the line protocol spoken with one connected validator.
//
// A session asks for a balance and a stake, registers the validator under an
// identity derived from its remote address, and then proposes a block on top
// of the ledger tip every time the round trigger asks it to.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/VeltarosLabs/stakechain/internal/blockchain"
	"github.com/VeltarosLabs/stakechain/internal/consensus"
	"github.com/VeltarosLabs/stakechain/internal/crypto"
)

const (
	PromptBalance = "Enter balance:"
	PromptStake   = "Enter new amount:"
	InvalidValue  = "Invalid value, try again."

	DefaultWriteTimeout = 5 * time.Second

	// maxLineBytes bounds one answer line, newline included.
	maxLineBytes = 1024
)

var errLineTooLong = errors.New("line too long")

type TipReader interface {
	Tip() blockchain.Block
}

type Registrar interface {
	Register(id string, stake uint64) error
}

type Submitter interface {
	Submit(blockchain.Block) error
}

type Subscriber interface {
	Subscribe() *consensus.Subscription
}

type Config struct {
	// TipEcho, when positive, makes the session write the ledger tip this
	// long after each proposal, unless a commit notification delivers the
	// tip first.
	TipEcho time.Duration

	WriteTimeout time.Duration
}

type Handler struct {
	log *slog.Logger
	cfg Config

	chain     TipReader
	registrar Registrar
	submitter Submitter
	trigger   Subscriber
}

func NewHandler(
	log *slog.Logger,
	chain TipReader,
	registrar Registrar,
	submitter Submitter,
	trigger Subscriber,
	cfg Config,
) *Handler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Handler{
		log:       log,
		cfg:       cfg,
		chain:     chain,
		registrar: registrar,
		submitter: submitter,
		trigger:   trigger,
	}
}

// ValidatorID derives the identity of a validator connecting from remoteAddr at the given time.
func ValidatorID(remoteAddr string, at time.Time) string {
	return crypto.Sha256Hex([]byte(remoteAddr + strconv.FormatInt(at.Unix(), 10)))
}

// Serve runs the protocol on conn until the peer disconnects or ctx is done.
// The caller owns conn and closes it.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) error {
	remote := conn.RemoteAddr().String()
	log := h.log.With("remote", remote)

	s := &session{
		conn:         conn,
		br:           bufio.NewReaderSize(conn, maxLineBytes),
		bw:           bufio.NewWriter(conn),
		writeTimeout: h.cfg.WriteTimeout,
	}

	balance, err := s.askUint(PromptBalance)
	if err != nil {
		return endOfSession(err)
	}

	id := ValidatorID(remote, time.Now())

	stake, err := s.askUint(PromptStake)
	if err != nil {
		return endOfSession(err)
	}

	// The declared balance is not checked against the stake.
	if err := h.registrar.Register(id, stake); err != nil {
		return fmt.Errorf("register validator: %w", err)
	}
	log = log.With("validator", id)
	log.Info("validator registered", "balance", balance, "stake", stake)

	if err := s.writeLines("Validator hash: " + id); err != nil {
		return endOfSession(err)
	}
	if err := s.writeTip(h.chain.Tip()); err != nil {
		return endOfSession(err)
	}

	sub := h.trigger.Subscribe()
	defer sub.Close()

	// Nothing more is expected from the peer; reading only detects the hangup.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_, _ = io.Copy(io.Discard, s.br)
	}()

	// Armed after each accepted proposal when TipEcho is set.
	echo := time.NewTimer(time.Hour)
	echo.Stop()
	defer echo.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-gone:
			log.Info("validator disconnected")
			return nil

		case <-echo.C:
			if err := s.writeTip(h.chain.Tip()); err != nil {
				return endOfSession(err)
			}

		case n, ok := <-sub.C:
			if !ok {
				return nil
			}

			switch n.Kind {
			case consensus.NotifyPropose:
				submitted, err := h.propose(s, log, id)
				if err != nil {
					return endOfSession(err)
				}
				if submitted && h.cfg.TipEcho > 0 {
					resetTimer(echo, h.cfg.TipEcho)
				}
			case consensus.NotifyCommitted:
				stopTimer(echo)
				if err := s.writeTip(n.Tip); err != nil {
					return endOfSession(err)
				}
			}
		}
	}
}

// propose submits a block on top of the current tip and reports whether the
// aggregator accepted it.
func (h *Handler) propose(s *session, log *slog.Logger, id string) (bool, error) {
	b := blockchain.NextBlock(h.chain.Tip(), id)
	if err := h.submitter.Submit(b); err != nil {
		log.Warn("proposal not accepted", "index", b.Index, "err", err)
		return false, s.writeLines("Proposal failed: " + err.Error())
	}
	log.Debug("proposal submitted", "index", b.Index, "hash", b.Hash)
	return true, nil
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

// endOfSession maps a closed or finished connection to a clean return.
func endOfSession(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

type session struct {
	conn         net.Conn
	br           *bufio.Reader
	bw           *bufio.Writer
	writeTimeout time.Duration
}

// askUint prompts until the peer answers with an unsigned integer.
func (s *session) askUint(prompt string) (uint64, error) {
	for {
		if err := s.writeLines(prompt); err != nil {
			return 0, err
		}

		line, err := s.readLine()
		if err != nil && !errors.Is(err, errLineTooLong) {
			return 0, err
		}

		if err == nil {
			if v, perr := strconv.ParseUint(line, 10, 64); perr == nil {
				return v, nil
			}
		}
		if err := s.writeLines(InvalidValue); err != nil {
			return 0, err
		}
	}
}

// readLine returns the next line with surrounding space trimmed.
// A line longer than maxLineBytes is discarded up to its newline and
// reported as errLineTooLong.
func (s *session) readLine() (string, error) {
	raw, err := s.br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = s.br.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", errLineTooLong
	}

	line := strings.TrimSpace(string(raw))
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return line, nil
		}
		return "", err
	}
	return line, nil
}

func (s *session) writeTip(tip blockchain.Block) error {
	return s.writeLines("Last block:", " "+tip.String())
}

func (s *session) writeLines(lines ...string) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	for _, l := range lines {
		if _, err := s.bw.WriteString(l + "\n"); err != nil {
			return err
		}
	}
	return s.bw.Flush()
}
