// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/shepherd-fleet/shepherd/lib/devicestore"
	"github.com/shepherd-fleet/shepherd/lib/identify"
	"github.com/shepherd-fleet/shepherd/lib/schema"
)

// storeParams are the flags shared by every command that reads the
// store.
type storeParams struct {
	jsonOutput
	configPath string
}

func (p *storeParams) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&p.configPath, "config", "", "path to shepherd.yaml (default: $SHEPHERD_CONFIG)")
	flagSet.BoolVar(&p.enabled, "json", false, "output as JSON")
}

func (a *app) root() *Command {
	return &Command{
		Name: "shepherdctl",
		Description: `shepherdctl inspects the Shepherd device store.

Devices that complete their boot handshake without a name wait in
staging; "shepherdctl pending" lists them and "shepherdctl onboard"
names one, after which the discovery daemon activates it.`,
		Subcommands: []*Command{
			a.statusCommand(),
			a.pendingCommand(),
			a.sessionsCommand(),
			a.eventsCommand(),
			a.onboardCommand(),
			a.portsCommand(),
		},
		help: a.stderr,
	}
}

// withStore opens the store for one command and closes it afterwards.
func (a *app) withStore(params *storeParams, fn func(ctx context.Context, store *devicestore.Store) error) error {
	store, err := a.openStore(params.configPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func noArgs(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	return nil
}

func (a *app) statusCommand() *Command {
	var params storeParams
	return &Command{
		Name:    "status",
		Summary: "List every device record",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			params.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if err := noArgs(args); err != nil {
				return err
			}
			return a.withStore(&params, func(ctx context.Context, store *devicestore.Store) error {
				records, err := store.ListRecords(ctx)
				if err != nil {
					return err
				}
				if done, err := params.emit(a.stdout, records); done {
					return err
				}
				tw := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SERIAL\tNAME\tSTATUS\tSTATE\tDEVICE\tLAST SEEN")
				for _, record := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						record.Serial, orDash(record.Name), record.Status, record.State,
						orDash(record.DevPath), formatTime(record.LastSeen))
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) pendingCommand() *Command {
	var params storeParams
	return &Command{
		Name:    "pending",
		Summary: "List devices waiting to be named",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("pending", pflag.ContinueOnError)
			params.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if err := noArgs(args); err != nil {
				return err
			}
			return a.withStore(&params, func(ctx context.Context, store *devicestore.Store) error {
				records, err := store.ListAwaitingNaming(ctx)
				if err != nil {
					return err
				}
				if done, err := params.emit(a.stdout, records); done {
					return err
				}
				if len(records) == 0 {
					fmt.Fprintln(a.stdout, "no devices awaiting naming")
					return nil
				}
				tw := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SERIAL\tDEVICE\tPOOL\tWALLET\tFIRMWARE\tIP\tDISCOVERED")
				for _, record := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						record.Serial, orDash(record.DevPath),
						orDash(record.Config.PoolURL), orDash(record.Config.WalletAddress),
						orDash(record.Config.FirmwareVersion), orDash(record.Config.IPAddress),
						formatTime(record.DiscoveredAt))
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) sessionsCommand() *Command {
	var params storeParams
	return &Command{
		Name:    "sessions",
		Summary: "List port ownership markers",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("sessions", pflag.ContinueOnError)
			params.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if err := noArgs(args); err != nil {
				return err
			}
			return a.withStore(&params, func(ctx context.Context, store *devicestore.Store) error {
				sessions, err := store.ListSessions(ctx)
				if err != nil {
					return err
				}
				if done, err := params.emit(a.stdout, sessions); done {
					return err
				}
				tw := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "DEVICE\tSERIAL\tOWNER\tACQUIRED\tEXPIRES")
				for _, session := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						session.DevPath, session.Serial, session.Owner,
						formatTime(session.AcquiredAt), formatTime(session.ExpiresAt))
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) eventsCommand() *Command {
	var params storeParams
	var limit int
	return &Command{
		Name:    "events",
		Summary: "Show recent hotplug events, newest first",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("events", pflag.ContinueOnError)
			params.addFlags(flagSet)
			flagSet.IntVarP(&limit, "limit", "n", 50, "number of events to show")
			return flagSet
		},
		Run: func(args []string) error {
			if err := noArgs(args); err != nil {
				return err
			}
			return a.withStore(&params, func(ctx context.Context, store *devicestore.Store) error {
				entries, err := store.RecentJournal(ctx, limit)
				if err != nil {
					return err
				}
				if done, err := params.emit(a.stdout, entries); done {
					return err
				}
				tw := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tRECEIVED\tKIND\tDEVICE\tSERIAL\tSOURCE")
				for _, entry := range entries {
					event := entry.Event
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
						entry.Seq, formatTime(event.ReceivedAt), event.Kind,
						event.Attachment.DevPath, orDash(event.Attachment.SerialNumber), event.Source)
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) onboardCommand() *Command {
	var params storeParams
	var notes string
	return &Command{
		Name:    "onboard",
		Summary: "Name a device waiting in staging",
		Description: `Name a device that completed its handshake. The record moves from
staging to the permanent table with status Inactive; the discovery
daemon re-runs the handshake on its next poll and activates it.`,
		Usage: "shepherdctl onboard <serial> <name> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("onboard", pflag.ContinueOnError)
			params.addFlags(flagSet)
			flagSet.StringVar(&notes, "notes", "", "free-form location notes")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: shepherdctl onboard <serial> <name>")
			}
			serial, name := args[0], args[1]
			return a.withStore(&params, func(ctx context.Context, store *devicestore.Store) error {
				record, err := store.Promote(ctx, serial, name, notes)
				switch {
				case errors.Is(err, devicestore.ErrNotFound):
					return fmt.Errorf("%s is not waiting in staging (see 'shepherdctl pending')", serial)
				case errors.Is(err, devicestore.ErrNameTaken):
					return fmt.Errorf("the name %q is already used by another device", name)
				case err != nil:
					return err
				}
				if done, err := params.emit(a.stdout, record); done {
					return err
				}
				fmt.Fprintf(a.stdout, "onboarded %s as %q\n", record.Serial, record.Name)
				return nil
			})
		},
	}
}

// portEntry is one row of "shepherdctl ports".
type portEntry struct {
	DevPath      string `json:"dev_path"`
	VendorID     string `json:"vendor_id"`
	ProductID    string `json:"product_id"`
	SerialNumber string `json:"serial_number,omitempty"`
	Identity     string `json:"identity,omitempty"`
	Degraded     bool   `json:"identity_degraded,omitempty"`
	Miner        bool   `json:"miner"`
}

func (a *app) portsCommand() *Command {
	var params storeParams
	return &Command{
		Name:    "ports",
		Summary: "List USB serial ports and the identity each would get",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("ports", pflag.ContinueOnError)
			params.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if err := noArgs(args); err != nil {
				return err
			}
			ports, err := a.listPorts()
			if err != nil {
				return err
			}
			identifier := identify.New(a.vendors(params.configPath))

			entries := make([]portEntry, 0, len(ports))
			for _, port := range ports {
				entry := portEntry{
					DevPath:      port.DevPath,
					VendorID:     port.VendorID,
					ProductID:    port.ProductID,
					SerialNumber: port.SerialNumber,
				}
				attachment := schema.Attachment{
					DevPath:      port.DevPath,
					VendorID:     port.VendorID,
					ProductID:    port.ProductID,
					SerialNumber: port.SerialNumber,
				}
				// The enumerator does not report the bus port path
				// that serial-less boards are keyed on.
				if described, err := a.describe(port.DevPath); err == nil {
					attachment.PortPath = described.PortPath
				}
				identity, err := identifier.Resolve(attachment)
				if err == nil {
					entry.Identity = identity.Key
					entry.Degraded = identity.Degraded
				}
				entry.Miner = !errors.Is(err, identify.ErrNotMiner)
				entries = append(entries, entry)
			}

			if done, err := params.emit(a.stdout, entries); done {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "DEVICE\tVID:PID\tSERIAL\tIDENTITY\tMINER")
			for _, entry := range entries {
				fmt.Fprintf(tw, "%s\t%s:%s\t%s\t%s\t%t\n",
					entry.DevPath, entry.VendorID, entry.ProductID,
					orDash(entry.SerialNumber), orDash(entry.Identity), entry.Miner)
			}
			return tw.Flush()
		},
	}
}
