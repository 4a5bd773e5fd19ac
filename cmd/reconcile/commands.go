package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/normalizer"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/schema"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/service"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/sniffer"
)

// sourceFlags describe a source inline, as an alternative to a YAML file.
type sourceFlags struct {
	file     string
	fields   string
	dateFmt  string
	reversed bool
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "source", "", "YAML file describing the export layout; registers it for the account")
	cmd.Flags().StringVar(&f.fields, "fields", "", "Comma separated field tags, e.g. DATE,DESCRIPTION,AMOUNT")
	cmd.Flags().StringVar(&f.dateFmt, "datefmt", "", "Date format of the export (strftime, DD/MM/YYYY or Go layout)")
	cmd.Flags().BoolVar(&f.reversed, "reversed", false, "The export lists the newest transaction first")
	cmd.MarkFlagsMutuallyExclusive("source", "fields")
}

// schema returns the source described by the flags, or nil when none was given.
func (f *sourceFlags) schema() (*schema.FieldSchema, error) {
	switch {
	case f.file != "":
		data, err := os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("failed to read source file: %w", err)
		}
		var s schema.FieldSchema
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to parse source file %s: %w", f.file, err)
		}
		return &s, nil
	case f.fields != "":
		tags, err := schema.ParseFields(f.fields)
		if err != nil {
			return nil, err
		}
		s := schema.FieldSchema{Fields: tags, DateFormat: f.dateFmt}
		if f.reversed {
			s.Order = schema.NewestFirst
		}
		return &s, nil
	}
	return nil, nil
}

// registerSource stores the flag-described source, if any, before an import.
func (a *app) registerSource(cmd *cobra.Command, engine *service.Engine, f *sourceFlags) error {
	s, err := f.schema()
	if err != nil || s == nil {
		return err
	}
	src, err := engine.RegisterSource(cmd.Context(), a.opts.account, *s)
	if err != nil {
		return err
	}
	info(cmd.OutOrStdout(), "source registered: %d fields, %s, %s", len(src.Schema.Fields), src.Schema.DateFormat, src.Schema.Order)
	return nil
}

func newImportCmd(a *app) *cobra.Command {
	var src sourceFlags
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a snapshot export (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAccount(); err != nil {
				return err
			}
			engine, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.registerSource(cmd, engine, &src); err != nil {
				return err
			}
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			res, err := engine.Import(cmd.Context(), a.opts.account, data)
			if err != nil {
				return err
			}

			header(out, "import "+a.opts.account)
			for _, w := range res.Warnings {
				warning(out, "%v", w)
			}
			if res.BatchID == nil {
				info(out, "no changes")
				return nil
			}
			success(out, "batch %s", res.BatchID)
			success(out, "%d inserted, %d rolled back, %d confirmed, %d checkpoints",
				len(res.Inserted), len(res.RolledBack), res.Confirmed, res.Checkpoints)
			return nil
		},
	}
	src.register(cmd)
	return cmd
}

func newDiffCmd(a *app) *cobra.Command {
	var src sourceFlags
	cmd := &cobra.Command{
		Use:   "diff FILE",
		Short: "Show what importing a snapshot would change, without committing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAccount(); err != nil {
				return err
			}
			engine, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.registerSource(cmd, engine, &src); err != nil {
				return err
			}
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}

			plan, err := engine.Preview(cmd.Context(), a.opts.account, data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range plan.Warnings {
				warning(out, "%v", w)
			}
			if plan.NoOp() {
				info(out, "no changes")
				return nil
			}
			for _, t := range plan.Rollbacks {
				txLine(out, '-', t)
			}
			for _, t := range plan.Confirmations {
				txLine(out, '=', t)
			}
			for _, t := range plan.Inserts {
				txLine(out, '+', t)
			}
			info(out, "%d checkpoints would be appended", len(plan.Checkpoints))
			return nil
		},
	}
	src.register(cmd)
	return cmd
}

func newBalanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the account balance from its last checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireAccount(); err != nil {
				return err
			}
			engine, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			report, err := engine.Balance(cmd.Context(), a.opts.account)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if report.Checkpoint == nil {
				info(out, "no checkpoint; sum of active transactions")
			} else {
				info(out, "checkpoint %s at %s: %s", report.Checkpoint.ID, report.Checkpoint.At.Format("2006-01-02"),
					normalizer.FormatCents(report.Checkpoint.Balance))
				info(out, "active after checkpoint: %s", normalizer.FormatCents(report.ActiveAfter))
			}
			success(out, "balance %s", normalizer.FormatMoney(report.Balance, ""))
			return nil
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List and verify the checkpoint chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireAccount(); err != nil {
				return err
			}
			engine, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			chain, err := engine.History(cmd.Context(), a.opts.account)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, cp := range chain {
				checkpointLine(out, cp)
			}
			success(out, "%d checkpoints, chain verified", len(chain))
			return nil
		},
	}
}

func newTransactionsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List transactions in sequence order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireAccount(); err != nil {
				return err
			}
			engine, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			txs, err := engine.Transactions(cmd.Context(), a.opts.account, all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range txs {
				mark := byte('=')
				if !t.Active() {
					mark = '-'
				}
				txLine(out, mark, t)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include rolled back transactions")
	return cmd
}

func newSuggestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "suggest FILE",
		Short: "Suggest a source YAML for an unknown export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			suggestion, err := sniffer.Suggest(data)
			if err != nil {
				return err
			}
			a.logger.Debug("export sniffed",
				"fingerprint", suggestion.Config.Fingerprint,
				"headers", suggestion.Config.Headers)

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(suggestion.Schema); err != nil {
				return fmt.Errorf("failed to encode source: %w", err)
			}
			return enc.Close()
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.open(cmd.Context()); err != nil {
				return err
			}
			target := a.opts.dbPath
			if a.opts.postgres {
				target = a.cfg.Database.Name
			}
			success(cmd.OutOrStdout(), "migrations applied to %s", target)
			return nil
		},
	}
}
