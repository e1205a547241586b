package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/bizchat-gateway/internal/gateway"
)

type resourcesEnvelope struct {
	Success bool                      `json:"success"`
	Data    gateway.ResourcesResponse `json:"data"`
	Error   *gateway.APIError         `json:"error"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of every resource and the primary store",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return runStatus(cmd.OutOrStdout(), newClient(addr))
	},
}

var failoverCmd = &cobra.Command{
	Use:   "failover <resource>",
	Short: "Flag a resource as degraded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return runFailover(cmd.OutOrStdout(), newClient(addr), args[0])
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(failoverCmd)
}

func newClient(addr string) *resty.Client {
	return resty.New().
		SetBaseURL(addr).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json")
}

func runStatus(out io.Writer, client *resty.Client) error {
	var env resourcesEnvelope
	resp, err := client.R().SetResult(&env).SetError(&env).Get("/v1/resources")
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	if resp.IsError() || !env.Success {
		return apiFailure(resp.StatusCode(), env.Error)
	}

	pool := env.Data.Pool
	fmt.Fprintf(out, "primary store %s: healthy=%t circuit=%s in_use=%d/%d idle=%d\n\n",
		pool.Name, pool.Healthy, pool.CircuitState, pool.InUse, pool.Max, pool.Idle)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tKIND\tHEALTHY\tCIRCUIT\tFAILOVER\tLAST ERROR")
	for _, s := range env.Data.Resources {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%t\t%s\n",
			s.ResourceName, s.Kind, s.Healthy, s.Circuit.StateName, s.FailoverActive, s.LastError)
	}
	return w.Flush()
}

func runFailover(out io.Writer, client *resty.Client, name string) error {
	var env struct {
		Success bool              `json:"success"`
		Error   *gateway.APIError `json:"error"`
	}
	resp, err := client.R().SetResult(&env).SetError(&env).Post("/v1/resources/" + name + "/failover")
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	if resp.IsError() || !env.Success {
		return apiFailure(resp.StatusCode(), env.Error)
	}

	fmt.Fprintf(out, "failover active for %s\n", name)
	return nil
}

func apiFailure(status int, apiErr *gateway.APIError) error {
	if apiErr == nil {
		return fmt.Errorf("gateway returned status %d", status)
	}
	return fmt.Errorf("gateway returned status %d: %s: %s", status, apiErr.Code, apiErr.Message)
}
