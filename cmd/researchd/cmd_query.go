package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"deepresearch/internal/client"
	"deepresearch/internal/protocol"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	queryServer       string
	queryToken        string
	queryContinuous   bool
	queryForceRefresh bool
	queryPlain        bool
	queryTimeout      time.Duration
)

// queryCmd asks a running server a research question
var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Run a research query against a server and watch it live",
	Long: `Connects to a researchd server, submits the question and shows progress
until the research completes. The connection is resumed automatically if it
drops.

Example:
  researchd query --continuous "impact of quantum computing on cryptography"
  researchd query --plain "history of the transistor" > report.md`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&queryServer, "server", "ws://localhost:8080/ws", "Server websocket URL")
	queryCmd.Flags().StringVar(&queryToken, "token", "", "Bearer token (or set RESEARCHD_TOKEN)")
	queryCmd.Flags().BoolVar(&queryContinuous, "continuous", false, "Research every focus area")
	queryCmd.Flags().BoolVar(&queryForceRefresh, "force-refresh", false, "Bypass the result cache")
	queryCmd.Flags().BoolVar(&queryPlain, "plain", false, "Print line-based progress instead of the live view")
	queryCmd.Flags().DurationVar(&queryTimeout, "timeout", 30*time.Minute, "Give up after this long")
}

func runQuery(cmd *cobra.Command, args []string) error {
	token := queryToken
	if token == "" {
		token = os.Getenv("RESEARCHD_TOKEN")
	}
	question := strings.Join(args, " ")

	ctx, cancel := context.WithTimeout(cmd.Context(), queryTimeout)
	defer cancel()

	sess, err := client.Dial(ctx, client.Options{URL: queryServer, Token: token})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sess.Close()

	requestID, err := sess.Query(protocol.ResearchQuery{
		Query:          question,
		ContinuousMode: queryContinuous,
		ForceRefresh:   queryForceRefresh,
	})
	if err != nil {
		return err
	}

	var st *tracker
	if queryPlain {
		st, err = watchPlain(ctx, sess, requestID, cmd.OutOrStdout())
	} else {
		st, err = watchLive(ctx, sess, requestID, question)
	}
	if err != nil {
		return err
	}
	return st.Outcome()
}

// watchPlain prints one line per update and the report at the end.
func watchPlain(ctx context.Context, sess *client.Session, requestID string, w io.Writer) (*tracker, error) {
	st := newTracker(requestID)
	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case ev, ok := <-sess.Events():
			if !ok {
				return st, fmt.Errorf("stream ended: %w", sess.Err())
			}
			if !st.Apply(ev) {
				continue
			}
			if _, isUpdate := ev.Message.(protocol.ResearchUpdate); isUpdate && !st.Finished {
				fmt.Fprintln(w, st.StatusLine())
			}
			if st.Finished {
				fmt.Fprint(w, st.Report())
				return st, nil
			}
		}
	}
}

// watchLive runs the interactive view until the task finishes or the user
// quits.
func watchLive(ctx context.Context, sess *client.Session, requestID, question string) (*tracker, error) {
	m := newQueryModel(sess, requestID, question)
	final, err := tea.NewProgram(m, tea.WithContext(ctx)).Run()
	if err != nil {
		return nil, err
	}
	fm := final.(queryModel)
	if fm.streamErr != nil {
		return fm.st, fmt.Errorf("stream ended: %w", fm.streamErr)
	}
	if fm.st.Finished {
		fmt.Print(fm.renderReport())
	}
	return fm.st, nil
}
