package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nikhilbhutani/promptrunner/internal/invocation"
)

func invokeCmd() *cobra.Command {
	var (
		req       invocation.Request
		input     string
		inputFile string
	)

	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Run a prompt template once and print the result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case input != "" && inputFile != "":
				return errors.New("--input and --input-file are mutually exclusive")
			case inputFile != "":
				data, err := os.ReadFile(inputFile)
				if err != nil {
					return fmt.Errorf("read input file: %w", err)
				}
				req.InputJSON = data
			case input != "":
				req.InputJSON = json.RawMessage(input)
			}

			svcs, closeAll, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			res, err := svcs.Invocations.Invoke(cmd.Context(), req)
			if err != nil {
				body := map[string]any{"error": err.Error()}
				var ierr *invocation.Error
				if errors.As(err, &ierr) {
					if ierr.InvocationID != uuid.Nil {
						body["invocationId"] = ierr.InvocationID
					}
					if len(ierr.Details) > 0 {
						body["details"] = ierr.Details
					}
				}
				enc.Encode(body)
				return err
			}
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVar(&req.PromptKey, "key", "", "template key (required)")
	cmd.Flags().StringVar(&req.SpaceID, "space", "", "template space (defaults to DEFAULT_SPACE)")
	cmd.Flags().StringVar(&req.LLMProvider, "provider", "openai", "LLM provider")
	cmd.Flags().StringVar(&req.Model, "model", "gpt-4o-mini", "model name")
	cmd.Flags().StringVar(&req.BodyToAppend, "append", "", "text appended verbatim after the rendered template")
	cmd.Flags().StringVar(&req.RequestFrom, "from", invocation.FromUI, "request origin: ui or langflow")
	cmd.Flags().StringVar(&input, "input", "", "input JSON")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "file holding the input JSON")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
