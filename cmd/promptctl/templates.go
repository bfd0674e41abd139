package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nikhilbhutani/promptrunner/internal/models"
	"github.com/nikhilbhutani/promptrunner/internal/prompt"
)

// templateFile is the YAML layout accepted by "templates import".
type templateFile struct {
	Space     string         `yaml:"space"`
	Templates []templateSpec `yaml:"templates"`
}

type templateSpec struct {
	prompt.CreateRequest `yaml:",inline"`
	Patch                []map[string]any `yaml:"transformation_patch"`
}

func parseTemplateFile(data []byte) (*templateFile, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse template file: %w", err)
	}
	if len(f.Templates) == 0 {
		return nil, errors.New("template file declares no templates")
	}

	seen := make(map[string]bool, len(f.Templates))
	for i := range f.Templates {
		spec := &f.Templates[i]
		if spec.Key == "" {
			return nil, fmt.Errorf("template %d: key required", i)
		}
		if seen[spec.Key] {
			return nil, fmt.Errorf("template %q declared twice", spec.Key)
		}
		seen[spec.Key] = true

		if len(spec.Patch) > 0 {
			raw, err := json.Marshal(spec.Patch)
			if err != nil {
				return nil, fmt.Errorf("template %q: encode patch: %w", spec.Key, err)
			}
			spec.TransformationPatch = raw
		}
	}
	return &f, nil
}

type templateImporter interface {
	Create(ctx context.Context, space string, req prompt.CreateRequest) (*prompt.Resolved, error)
	CreateVersion(ctx context.Context, space, key string, req prompt.NewVersionRequest) (*models.PromptVersion, error)
	UpdateSettings(ctx context.Context, space, key string, st prompt.Settings) error
}

// importTemplates creates each template, or refreshes its settings and adds
// an active version when it already exists.
func importTemplates(ctx context.Context, store templateImporter, space string, specs []templateSpec, out io.Writer) error {
	for _, spec := range specs {
		req := spec.CreateRequest
		created, err := store.Create(ctx, space, req)
		if err == nil {
			fmt.Fprintf(out, "created %s/%s v%d\n", space, req.Key, created.Version.Version)
			continue
		}
		if !errors.Is(err, prompt.ErrConflict) {
			return fmt.Errorf("create %q: %w", req.Key, err)
		}

		if err := store.UpdateSettings(ctx, space, req.Key, prompt.Settings{
			Name:                req.Name,
			Description:         req.Description,
			InputSchema:         req.InputSchema,
			OutputSchema:        req.OutputSchema,
			TransformationPatch: req.TransformationPatch,
		}); err != nil {
			return fmt.Errorf("update %q: %w", req.Key, err)
		}
		v, err := store.CreateVersion(ctx, space, req.Key, prompt.NewVersionRequest{Body: req.Body, Activate: true})
		if err != nil {
			return fmt.Errorf("add version to %q: %w", req.Key, err)
		}
		fmt.Fprintf(out, "updated %s/%s v%d\n", space, req.Key, v.Version)
	}
	return nil
}

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage prompt templates",
	}

	var space string
	importCmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create templates from a YAML file, adding active versions to existing ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read template file: %w", err)
			}
			f, err := parseTemplateFile(data)
			if err != nil {
				return err
			}
			target := space
			if target == "" {
				target = f.Space
			}
			if target == "" {
				target = cfg.Pipeline.DefaultSpace
			}

			svcs, closeAll, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			return importTemplates(cmd.Context(), svcs.Prompts, target, f.Templates, cmd.OutOrStdout())
		},
	}
	importCmd.Flags().StringVar(&space, "space", "", "target space (defaults to the file's space, then DEFAULT_SPACE)")

	var activateSpace string
	activateCmd := &cobra.Command{
		Use:   "activate <key> <version>",
		Short: "Make an existing version active",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil || version <= 0 {
				return fmt.Errorf("version must be a positive integer, got %q", args[1])
			}
			if activateSpace == "" {
				activateSpace = cfg.Pipeline.DefaultSpace
			}

			svcs, closeAll, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			v, err := svcs.Prompts.Activate(cmd.Context(), activateSpace, args[0], version)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "activated %s/%s v%d\n", activateSpace, args[0], v.Version)
			return nil
		},
	}
	activateCmd.Flags().StringVar(&activateSpace, "space", "", "template space (defaults to DEFAULT_SPACE)")

	cmd.AddCommand(importCmd, activateCmd)
	return cmd
}
