package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"chatrelay/internal/adapter"
	"chatrelay/internal/session"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var (
	askSession string
	askExpect  string
	askAttach  []string
	askJSON    bool
)

var askCmd = &cobra.Command{
	Use:   "ask <platform> [prompt...]",
	Short: "Send one prompt and print the reply",
	Long: `Sends a prompt to the named platform and prints the extracted reply.

When no prompt words are given and stdin is not a terminal, the prompt is
read from stdin.

Example:
  chatrelay ask claude "Summarize RFC 9110 in one line"
  git diff | chatrelay ask gemini --attach notes.md`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "", "Session ID (multi_session mode)")
	askCmd.Flags().StringVar(&askExpect, "expect", "", "Literal the reply must equal or contain")
	askCmd.Flags().StringSliceVar(&askAttach, "attach", nil, "File to attach (repeatable)")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the full response as JSON")
}

func runAsk(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(args[1:], cmd.InOrStdin())
	if err != nil {
		return err
	}

	req := session.Request{
		Platform:  args[0],
		Prompt:    prompt,
		SessionID: askSession,
		Expect:    askExpect,
	}
	for _, path := range askAttach {
		att, err := loadAttachment(path)
		if err != nil {
			return err
		}
		req.Attachments = append(req.Attachments, att)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(timeout)
	defer cancel()

	resp, err := a.ctrl.Submit(ctx, req)
	if err != nil {
		logger.Debug("ask failed", zap.String("platform", req.Platform), zap.Error(err))
		return err
	}

	out := cmd.OutOrStdout()
	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	_, err = fmt.Fprintln(out, resp.Text)
	return err
}

func readPrompt(words []string, stdin io.Reader) (string, error) {
	if len(words) > 0 {
		return strings.Join(words, " "), nil
	}
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("no prompt given")
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("no prompt given")
	}
	return prompt, nil
}

func loadAttachment(path string) (adapter.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return adapter.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	return adapter.Attachment{
		Name:     filepath.Base(path),
		MimeType: detectMime(path, data),
		Data:     data,
	}, nil
}

func detectMime(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
