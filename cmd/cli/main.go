package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"codeguard/internal/analysis"
	"codeguard/internal/api"
)

var (
	serverURL string
	apiKey    string
	identity  string
	policy    string
	remote    bool
)

// Exit codes for submit beyond the submission's own exit status.
const (
	exitBlocked     = 2
	exitRetryLater  = 3
	exitServerError = 4
	exitTimedOut    = 124
)

func main() {
	root := &cobra.Command{
		Use:   "codeguard",
		Short: "CLI client for the codeguard submission service",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CODEGUARD_API_KEY"), "Service API key")

	submitCmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Submit Python source for analysis and execution",
		Long:  "Submit reads source from file, or from stdin when no file (or -) is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVarP(&identity, "identity", "i", os.Getenv("USER"), "Submitter identity")
	root.AddCommand(submitCmd)

	analyzeCmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Check source against the policy without running it",
		Long:  "Analyze runs the static analyzer locally unless --remote is set.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().StringVar(&policy, "policy", analysis.PolicyBlocklist, "Local analysis policy (blocklist, allowlist)")
	analyzeCmd.Flags().BoolVar(&remote, "remote", false, "Ask the server instead of analyzing locally")
	root.AddCommand(analyzeCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func readSource(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return string(data), nil
}

func runSubmit(_ *cobra.Command, args []string) error {
	source, err := readSource(args)
	if err != nil {
		return err
	}

	var result api.SubmissionResponse
	if _, err := postJSON("/v1/submissions", api.SubmissionRequest{Identity: identity, Source: source}, &result); err != nil {
		return err
	}
	printJSON(result)

	switch result.Outcome {
	case "EXECUTED":
		if result.ExecutionResponse != nil && result.ExitCode != nil && *result.ExitCode != 0 {
			os.Exit(*result.ExitCode)
		}
		if result.ExecutionResponse != nil && result.TimedOut {
			os.Exit(exitTimedOut)
		}
	case "BLOCKED":
		os.Exit(exitBlocked)
	case "RATE_LIMITED", "OVERLOADED":
		os.Exit(exitRetryLater)
	default:
		os.Exit(exitServerError)
	}
	return nil
}

func runAnalyze(_ *cobra.Command, args []string) error {
	source, err := readSource(args)
	if err != nil {
		return err
	}

	var result api.AnalyzeResponse
	if remote {
		status, err := postJSON("/v1/analyze", api.AnalyzeRequest{Source: source}, &result)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("analyze failed with status %d", status)
		}
	} else {
		p, err := analysis.NewPolicy(policy)
		if err != nil {
			return err
		}
		verdict := analysis.New(p, analysis.DefaultOptions()).Analyze(context.Background(), source)
		result = api.AnalyzeResponse{Allowed: verdict.Allowed, Violations: verdict.Violations}
		if result.Violations == nil {
			result.Violations = []analysis.Violation{}
		}
	}
	printJSON(result)

	if !result.Allowed {
		os.Exit(exitBlocked)
	}
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printJSON(result)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server is %s", result.Status)
	}
	return nil
}

func postJSON(path string, payload, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 70 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, fmt.Errorf("unauthorized: set --api-key or CODEGUARD_API_KEY")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
