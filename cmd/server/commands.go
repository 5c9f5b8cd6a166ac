package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/stamp-ledger/api"
	"github.com/warp/stamp-ledger/loyalty"
)

// errViolations makes reconcile exit non-zero without a second message.
var errViolations = errors.New("ledger integrity violations found")

func migrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the ledger schema",
		Long: `Open the configured store, apply its schema and exit.

Both SQL backends migrate on open, so this is the same step serve performs
at startup, run on its own for deploy pipelines.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", rt.cfg.Storage.Driver)
			return nil
		},
	}
}

func gateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "gate [instant]",
		Short: "Show the Holiday Gate status",
		Long: `Print whether stamp updates are allowed at an instant (default: now).

Examples:
  stamp-ledger gate
  stamp-ledger gate 2025-12-24T19:00:00Z
  stamp-ledger gate 2026-01-01`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := now()
			if len(args) == 1 {
				var err error
				if at, err = parseInstant(args[0]); err != nil {
					return err
				}
			}
			printGate(cmd.OutOrStdout(), loyalty.NewHolidayGate(nil).Status(at), at)
			return nil
		},
	}
}

func printGate(w io.Writer, st loyalty.GateStatus, at time.Time) {
	fmt.Fprintf(w, "instant:       %s\n", at.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "business date: %s\n", st.BusinessDate.Format(time.DateOnly))
	if !st.Blocked {
		fmt.Fprintln(w, "status:        open")
		return
	}
	fmt.Fprintf(w, "status:        blocked (%s)\n", st.ReasonKey)
	fmt.Fprintf(w, "message:       %s\n", st.Message)
}

func stampCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stamp",
		Short: "Apply a stamp operation to one account",
	}

	run := func(op loyalty.Operation) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.engine(nil).Apply(cmd.Context(), loyalty.Request{
				AccountIdentifier: args[0],
				Operation:         op,
			})
			if err != nil {
				return fmt.Errorf("%s %s: %w", op, args[0], err)
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add MEMBER_CODE",
		Short: "Grant one stamp",
		Args:  cobra.ExactArgs(1),
		RunE:  run(loyalty.OpAdd),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove MEMBER_CODE",
		Short: "Reverse the most recent stamp, rolling back a reward if needed",
		Args:  cobra.ExactArgs(1),
		RunE:  run(loyalty.OpRemove),
	})

	return cmd
}

func printResult(w io.Writer, res loyalty.Result) {
	a := res.Account
	fmt.Fprintf(w, "%s: stamps=%d rewards=%d next_reward_in=%d\n",
		a.MemberCode, a.CurrentStamps, a.TotalRewards, a.StampsToNextReward())
	switch {
	case res.RewardIssued:
		fmt.Fprintln(w, "reward issued")
	case res.NoOp:
		fmt.Fprintln(w, "nothing to remove")
	}
}

func reconcileCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check every account against its audit trail and rewards",
		Long: `Run the integrity check once. Violations are printed, never repaired;
the command exits non-zero when any are found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := loyalty.Verify(cmd.Context(), rt.store, now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "checked %d accounts\n", report.Accounts)
			for _, v := range report.Violations {
				fmt.Fprintf(out, "  %s [%s] %s\n", v.MemberCode, v.Rule, v.Detail)
			}
			if !report.OK() {
				return fmt.Errorf("%w: %d", errViolations, len(report.Violations))
			}
			return nil
		},
	}
}

func scenarioCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Demo data for development stores",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the available scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range api.ScenarioIDs() {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "load SCENARIO_ID",
		Short: "Reset the store and seed a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			h := api.NewHandler(rt.store, rt.engine(nil))
			h.Logger = rt.logger
			h.Now = now
			if err := h.LoadScenarioByID(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s\n", args[0])
			return nil
		},
	})

	return cmd
}
