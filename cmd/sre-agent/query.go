package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/agent"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/progress"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/service"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/task"
)

// agentFlagKinds maps the --agent flag to router preferences. "auto"
// leaves routing to the nano model.
var agentFlagKinds = map[string]agent.Kind{
	"triage":    agent.KindTriage,
	"chat":      agent.KindChat,
	"knowledge": agent.KindKnowledgeOnly,
}

func newQueryCmd() *cobra.Command {
	var (
		instanceID       string
		supportPackageID string
		threadID         string
		agentPref        string
	)
	cmd := &cobra.Command{
		Use:   `query "<text>"`,
		Short: "Run one agent turn in-process and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.sm.EnsureAll(ctx); err != nil {
				return err
			}

			tctx := map[string]string{}
			if instanceID != "" {
				inst, err := a.inst.GetByID(ctx, instanceID)
				if err != nil {
					return err
				}
				if inst == nil {
					return fmt.Errorf("instance %s: %w", instanceID, service.ErrNotFound)
				}
				tctx["instance_id"] = instanceID
			}
			if supportPackageID != "" {
				tctx["support_package_id"] = supportPackageID
			}
			if agentPref != "" && agentPref != "auto" {
				kind, ok := agentFlagKinds[agentPref]
				if !ok {
					return fmt.Errorf("unknown agent %q (auto|triage|chat|knowledge)", agentPref)
				}
				tctx["agent"] = string(kind)
			}

			res, err := a.svc.CreateTask(ctx, service.CreateTaskParams{
				Message:  args[0],
				ThreadID: threadID,
				Context:  tctx,
			})
			if err != nil {
				return err
			}

			// The turn executes in this process: spin up a runtime for
			// the duration of the query.
			rt, err := a.buildRuntime()
			if err != nil {
				return err
			}
			workerCtx, stopWorker := context.WithCancel(ctx)
			defer stopWorker()
			go func() {
				if err := rt.Run(workerCtx); err != nil {
					a.log.Error("worker runtime failed", zap.Error(err))
				}
			}()

			// Live progress on stderr; the response alone goes to stdout.
			go func() {
				_ = a.strm.Subscribe(workerCtx, res.ThreadID, func(ev progress.Event) {
					fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Type, ev.Message)
				})
			}()

			st, err := waitForTask(ctx, a.svc, res.TaskID, a.cfg.Queue.MaxTaskRuntime+time.Minute)
			if err != nil {
				return err
			}

			switch st.Status {
			case task.StatusDone:
				var turn agent.TurnResult
				if err := json.Unmarshal(st.Result, &turn); err == nil && turn.Response != "" {
					fmt.Println(turn.Response)
				} else {
					fmt.Println(string(st.Result))
				}
				return nil
			case task.StatusFailed:
				return fmt.Errorf("turn failed: %s", st.Error)
			default:
				return fmt.Errorf("turn ended in status %s", st.Status)
			}
		},
	}

	cmd.Flags().StringVar(&instanceID, "redis-instance-id", "", "bind the turn to an instance")
	cmd.Flags().StringVar(&supportPackageID, "support-package-id", "", "attach a support package")
	cmd.Flags().StringVar(&threadID, "thread-id", "", "continue an existing thread")
	cmd.Flags().StringVar(&agentPref, "agent", "auto", "auto|triage|chat|knowledge")
	return cmd
}

type taskStates interface {
	GetTaskByID(ctx context.Context, id string) (*task.State, error)
}

func waitForTask(ctx context.Context, svc taskStates, taskID string, timeout time.Duration) (*task.State, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			// Deadline first: a task deleted mid-poll reads as not-found
			// forever and must still time out.
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timed out waiting for task %s", taskID)
			}
			st, err := svc.GetTaskByID(ctx, taskID)
			if err != nil {
				if errors.Is(err, service.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if st.Status.Terminal() {
				return st, nil
			}
		}
	}
}
