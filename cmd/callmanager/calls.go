package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ehr/callmanager/internal/domain/callsession"
	"github.com/ehr/callmanager/internal/domain/mcp"
	"github.com/ehr/callmanager/pkg/callclient"
)

func newClient() *callclient.Client {
	c := callclient.New(viper.GetString("server"))
	c.BearerToken = viper.GetString("token")
	c.TenantID = viper.GetString("tenant")
	return c
}

func withClient(fn func(ctx context.Context, c *callclient.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, newClient())
}

func printCall(call callsession.Call) error {
	if viper.GetBool("json") {
		return printJSON(call)
	}
	renderCallDetail(os.Stdout, call)
	return nil
}

func callsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Inspect and drive calls on a running server",
	}

	activeCmd := &cobra.Command{
		Use:   "active",
		Short: "List scheduled and in-progress calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			return withClient(func(ctx context.Context, c *callclient.Client) error {
				calls, err := c.ActiveCalls(ctx, callsession.Status(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(calls)
				}
				renderCalls(os.Stdout, calls)
				return nil
			})
		},
	}
	activeCmd.Flags().String("status", "", "Filter by status (scheduled|in-progress)")
	cmd.AddCommand(activeCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List archived calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			var q callclient.HistoryQuery
			q.PatientID, _ = cmd.Flags().GetString("patient")
			q.TherapistID, _ = cmd.Flags().GetString("therapist")
			q.StartDate, _ = cmd.Flags().GetString("from")
			q.EndDate, _ = cmd.Flags().GetString("to")
			return withClient(func(ctx context.Context, c *callclient.Client) error {
				calls, err := c.CallHistory(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(calls)
				}
				renderCalls(os.Stdout, calls)
				return nil
			})
		},
	}
	historyCmd.Flags().String("patient", "", "Patient id")
	historyCmd.Flags().String("therapist", "", "Therapist id")
	historyCmd.Flags().String("from", "", "Start date (YYYY-MM-DD or RFC3339)")
	historyCmd.Flags().String("to", "", "End date (YYYY-MM-DD or RFC3339)")
	cmd.AddCommand(historyCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *callclient.Client) error {
				call, err := c.GetCall(ctx, args[0])
				if err != nil {
					return err
				}
				return printCall(call)
			})
		},
	})

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Schedule a call",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req callsession.CreateRequest
			req.PatientID, _ = cmd.Flags().GetString("patient")
			req.PatientName, _ = cmd.Flags().GetString("patient-name")
			req.TherapistID, _ = cmd.Flags().GetString("therapist")
			req.TherapistName, _ = cmd.Flags().GetString("therapist-name")
			req.Tags, _ = cmd.Flags().GetStringSlice("tag")
			at, _ := cmd.Flags().GetString("at")
			start, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("--at must be RFC3339: %w", err)
			}
			req.ScheduledStart = start
			return withClient(func(ctx context.Context, c *callclient.Client) error {
				call, err := c.CreateCall(ctx, req)
				if err != nil {
					return err
				}
				return printCall(call)
			})
		},
	}
	createCmd.Flags().String("patient", "", "Patient id")
	createCmd.Flags().String("patient-name", "", "Patient display name")
	createCmd.Flags().String("therapist", "", "Therapist id")
	createCmd.Flags().String("therapist-name", "", "Therapist display name")
	createCmd.Flags().String("at", "", "Scheduled start (RFC3339)")
	createCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	cmd.AddCommand(createCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Record a patient identity check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v callsession.Verification
			v.CallID = args[0]
			v.PatientID, _ = cmd.Flags().GetString("patient")
			v.Method, _ = cmd.Flags().GetString("method")
			failed, _ := cmd.Flags().GetBool("failed")
			v.Verified = !failed
			return withClient(func(ctx context.Context, c *callclient.Client) error {
				call, err := c.VerifyPatient(ctx, args[0], v)
				if err != nil {
					return err
				}
				return printCall(call)
			})
		},
	}
	verifyCmd.Flags().String("patient", "", "Patient id being verified")
	verifyCmd.Flags().String("method", "manual", "Verification method")
	verifyCmd.Flags().Bool("failed", false, "Record a failed verification")
	cmd.AddCommand(verifyCmd)

	statusCmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a call to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ai, _ := cmd.Flags().GetString("ai")
			u := callsession.StatusUpdate{Status: callsession.Status(args[1]), AIStatus: callsession.AIStatus(ai)}
			return withClient(func(ctx context.Context, c *callclient.Client) error {
				call, err := c.UpdateStatus(ctx, args[0], u)
				if err != nil {
					return err
				}
				return printCall(call)
			})
		},
	}
	statusCmd.Flags().String("ai", "", "AI assistant status (pending|active|disabled)")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "join <id>",
		Short: "Join a live call as supervisor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *callclient.Client) error {
				ack, err := c.JoinCall(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ack)
				}
				fmt.Println(ack.Message)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "summary <id>",
		Short: "Generate the summary of a completed call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *callclient.Client) error {
				s, err := c.GenerateSummary(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				renderSummary(os.Stdout, s)
				return nil
			})
		},
	})

	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Read or replace the MCP assistant policy",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the active policy as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *callclient.Client) error {
				p, err := c.Policy(ctx)
				if err != nil {
					return err
				}
				return printPolicy(p)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <file>",
		Short: "Replace the policy with a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := mcp.LoadFile(args[0])
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *callclient.Client) error {
				saved, err := c.SetPolicy(ctx, p)
				if err != nil {
					return err
				}
				return printPolicy(saved)
			})
		},
	})

	return cmd
}

func printPolicy(p mcp.Policy) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	out, err := mcp.Marshal(p)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
