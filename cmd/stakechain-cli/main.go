package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/VeltarosLabs/stakechain/internal/blockchain"
	"github.com/VeltarosLabs/stakechain/pkg/api"
	"github.com/VeltarosLabs/stakechain/pkg/version"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

const defaultNodeURL = "http://127.0.0.1:8081"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = os.Stderr.WriteString("stakechain-cli error: " + err.Error() + "\n")
		os.Exit(1)
	}
}

type rootFlags struct {
	nodeURL string
	apiKey  string
	timeout time.Duration
}

func (f *rootFlags) client() (*api.Client, error) {
	return api.New(f.nodeURL, api.WithAPIKey(f.apiKey))
}

func (f *rootFlags) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), f.timeout)
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}

	root := &cobra.Command{
		Use:           "stakechain-cli",
		Short:         "Inspect a stakechain node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	nodeURL := os.Getenv("STAKECHAIN_NODE_URL")
	if nodeURL == "" {
		nodeURL = defaultNodeURL
	}
	root.PersistentFlags().StringVar(&f.nodeURL, "node", nodeURL, "Node HTTP API base URL")
	root.PersistentFlags().StringVar(&f.apiKey, "api-key", os.Getenv("STAKECHAIN_API_KEY"), "API key for dev endpoints")
	root.PersistentFlags().DurationVar(&f.timeout, "timeout", 10*time.Second, "Request timeout")

	root.AddCommand(
		newVersionCmd(),
		newStatusCmd(f),
		newTipCmd(f),
		newChainCmd(f),
		newValidatorsCmd(f),
		newRoundsCmd(f),
		newTriggerCmd(f),
		newVerifyCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := version.Get()
			return renderKV(cmd.OutOrStdout(), [][2]string{
				{"Version", v.Version},
				{"Commit", v.Commit},
				{"Go", v.GoVersion},
				{"Target", v.Platform},
			})
		},
	}
}

func newStatusCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context(cmd)
			defer cancel()

			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return renderKV(cmd.OutOrStdout(), [][2]string{
				{"Started", st.StartedAt},
				{"Uptime", (time.Duration(st.UptimeSec) * time.Second).String()},
				{"Height", strconv.FormatUint(st.Height, 10)},
				{"Tip", st.TipHash},
				{"Validators", strconv.Itoa(st.Validators)},
				{"Total stake", strconv.FormatUint(st.TotalStake, 10)},
				{"Sessions", strconv.Itoa(st.Sessions)},
				{"Subscribers", strconv.Itoa(st.Subscribers)},
				{"Rounds", strconv.FormatUint(st.Rounds, 10)},
				{"Round open", strconv.FormatBool(st.RoundOpen)},
				{"Export file", st.ExportFile},
			})
		},
	}
}

func newTipCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tip",
		Short: "Show the latest committed block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context(cmd)
			defer cancel()

			b, err := c.Tip(ctx)
			if err != nil {
				return err
			}
			return renderBlocks(cmd.OutOrStdout(), []api.Block{b})
		},
	}
}

func newChainCmd(f *rootFlags) *cobra.Command {
	var index int64

	cmd := &cobra.Command{
		Use:   "chain",
		Short: "List committed blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context(cmd)
			defer cancel()

			if index >= 0 {
				b, err := c.BlockAt(ctx, uint64(index))
				if err != nil {
					return err
				}
				return renderBlocks(cmd.OutOrStdout(), []api.Block{b})
			}

			chain, err := c.Chain(ctx)
			if err != nil {
				return err
			}
			return renderBlocks(cmd.OutOrStdout(), chain.Blocks)
		},
	}
	cmd.Flags().Int64Var(&index, "index", -1, "Show only the block at this index")
	return cmd
}

func newValidatorsCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validators",
		Short: "List registered validators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context(cmd)
			defer cancel()

			vals, err := c.Validators(ctx)
			if err != nil {
				return err
			}

			data := pterm.TableData{{"Validator", "Stake", "Share", "Registered"}}
			for _, v := range vals.Validators {
				share := "-"
				if vals.TotalStake > 0 {
					share = fmt.Sprintf("%.1f%%", 100*float64(v.Stake)/float64(vals.TotalStake))
				}
				data = append(data, []string{
					v.ID,
					strconv.FormatUint(v.Stake, 10),
					share,
					v.RegisteredAt.Format(time.RFC3339),
				})
			}
			return renderTable(cmd.OutOrStdout(), data)
		},
	}
}

func newRoundsCmd(f *rootFlags) *cobra.Command {
	var current bool

	cmd := &cobra.Command{
		Use:   "rounds [id]",
		Short: "List resolved rounds, or show one round",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context(cmd)
			defer cancel()

			out := cmd.OutOrStdout()

			if current {
				s, err := c.CurrentRound(ctx)
				if err != nil {
					return err
				}
				if !s.Open {
					_, err := fmt.Fprintf(out, "No open round (%d resolved)\n", s.Number)
					return err
				}
				return renderKV(out, [][2]string{
					{"Round", fmt.Sprintf("#%d %s", s.Number, s.ID)},
					{"Opened", s.OpenedAt.Format(time.RFC3339)},
					{"Proposals", strconv.Itoa(s.Proposals)},
					{"Proposed", strings.Join(s.Proposed, ", ")},
					{"Waiting", strings.Join(s.Waiting, ", ")},
					{"Late", strings.Join(s.Late, ", ")},
				})
			}

			if len(args) == 1 {
				r, err := c.Round(ctx, args[0])
				if err != nil {
					return err
				}
				return renderRounds(out, []api.RoundOutcome{r})
			}

			list, err := c.Rounds(ctx)
			if err != nil {
				return err
			}
			return renderRounds(out, list.Rounds)
		},
	}
	cmd.Flags().BoolVar(&current, "current", false, "Show the open round instead")
	return cmd
}

func newTriggerCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Ask every session to propose now (dev mode only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context(cmd)
			defer cancel()

			res, err := c.Trigger(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "delivered=%d dropped=%d pruned=%d\n",
				res.Delivered, res.Dropped, res.Pruned)
			return err
		},
	}
}

func newVerifyCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a chain export file offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(file) == "" {
				return errors.New("--file is required")
			}

			exp, err := blockchain.NewBlockStore(file).Load()
			if err != nil {
				return fmt.Errorf("load export: %w", err)
			}
			if err := blockchain.VerifyBlocks(exp.Blocks); err != nil {
				return fmt.Errorf("INVALID: %w", err)
			}

			tip := exp.Blocks[len(exp.Blocks)-1]
			if tip.Index != exp.Height || tip.Hash != exp.TipHash {
				return fmt.Errorf("INVALID: header says height %d tip %s, blocks end at %d %s",
					exp.Height, exp.TipHash, tip.Index, tip.Hash)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "OK: %d blocks, height %d, tip %s\n",
				len(exp.Blocks), exp.Height, exp.TipHash)
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to a chain export JSON file")
	return cmd
}

func renderBlocks(w io.Writer, blocks []api.Block) error {
	data := pterm.TableData{{"Index", "Validator", "Hash", "Prev. Hash", "Time"}}
	for _, b := range blocks {
		data = append(data, []string{
			strconv.FormatUint(b.Index, 10),
			b.Validator,
			b.Hash,
			b.PrevHash,
			time.Unix(b.Timestamp, 0).UTC().Format(time.RFC3339),
		})
	}
	return renderTable(w, data)
}

func renderRounds(w io.Writer, rounds []api.RoundOutcome) error {
	data := pterm.TableData{{"#", "ID", "Proposals", "Winner", "Pool", "Committed", "Rejected", "Error"}}
	for _, r := range rounds {
		data = append(data, []string{
			strconv.FormatUint(r.Number, 10),
			r.ID,
			strconv.Itoa(r.Proposals),
			r.Winner,
			r.PoolTotal,
			strconv.Itoa(len(r.Committed)),
			strconv.Itoa(r.Rejected),
			r.Err,
		})
	}
	return renderTable(w, data)
}

func renderKV(w io.Writer, rows [][2]string) error {
	data := make(pterm.TableData, 0, len(rows))
	for _, r := range rows {
		data = append(data, []string{r[0], r[1]})
	}
	s, err := pterm.DefaultTable.WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, s)
	return err
}

func renderTable(w io.Writer, data pterm.TableData) error {
	s, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, s)
	return err
}
