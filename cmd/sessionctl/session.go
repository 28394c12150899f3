package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get [session-id]",
	Short: "Fetch session state",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var promptCmd = &cobra.Command{
	Use:   "prompt [session-id] [text]",
	Short: "Send a prompt to the session",
	Args:  cobra.ExactArgs(2),
	RunE:  runPrompt,
}

var pauseCmd = &cobra.Command{
	Use:   "pause [session-id]",
	Short: "Pause the session and snapshot its sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume the session from its snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var stopCmd = &cobra.Command{
	Use:   "stop [session-id]",
	Short: "Terminate the session's sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(getCmd, promptCmd, pauseCmd, resumeCmd, stopCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	body, err := sessionRequest(http.MethodGet, args[0], "", nil)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func runPrompt(cmd *cobra.Command, args []string) error {
	payload, err := json.Marshal(map[string]string{"text": args[1]})
	if err != nil {
		return err
	}
	body, err := sessionRequest(http.MethodPost, args[0], "/prompt", payload)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func runPause(cmd *cobra.Command, args []string) error {
	body, err := sessionRequest(http.MethodPost, args[0], "/pause", nil)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func runResume(cmd *cobra.Command, args []string) error {
	body, err := sessionRequest(http.MethodPost, args[0], "/resume", nil)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func runStop(cmd *cobra.Command, args []string) error {
	body, err := sessionRequest(http.MethodDelete, args[0], "", nil)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func sessionRequest(method, sessionID, suffix string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, serverURL+"/sessions/"+sessionID+suffix, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func printJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
