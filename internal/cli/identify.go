package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bitespeed-identity/internal/config"
	"bitespeed-identity/internal/logger"
	"bitespeed-identity/internal/models"
	"bitespeed-identity/internal/service"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"json", "yaml"}

// IdentifyOptions holds flags for the identify command.
type IdentifyOptions struct {
	*RootOptions
	Email  string
	Phone  string
	Format string
}

// NewIdentifyCommand creates the identify command.
func NewIdentifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IdentifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Record one sighting and print the resulting identity",
		Long: `Record one sighting against the configured store and print the identity.

Example:
  bitespeed-identity identify --email doc@hillvalley.edu --phone 123456`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentify(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "contact phone number")
	cmd.Flags().StringVarP(&opts.Format, "format", "o", "json", "output format (json|yaml)")

	return cmd
}

func runIdentify(cmd *cobra.Command, opts *IdentifyOptions) error {
	if !isValidFormat(opts.Format) {
		return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log)
	ctx := cmd.Context()

	rt, err := buildBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := service.NewReconciliationService(log, rt.store,
		service.WithLocker(rt.locker),
		service.WithTimeout(cfg.Identify.Timeout),
	)

	var req models.IdentifyRequest
	if cmd.Flags().Changed("email") {
		req.Email = &opts.Email
	}
	if cmd.Flags().Changed("phone") {
		req.PhoneNumber = &opts.Phone
	}

	resp, err := identifyWithRetry(ctx, log, svc, req, cfg.Identify)
	if err != nil {
		return err
	}
	return writeResponse(cmd.OutOrStdout(), opts.Format, resp)
}

type identifier interface {
	Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error)
}

// identifyWithRetry reruns conflicting sightings like the HTTP handler does.
func identifyWithRetry(ctx context.Context, log *slog.Logger, svc identifier, req models.IdentifyRequest, cfg config.IdentifyConfig) (*models.IdentifyResponse, error) {
	policy := service.RetryPolicy{MaxRetries: cfg.MaxRetries, Backoff: cfg.RetryBackoff}
	return service.RetryOnConflict(ctx, policy,
		func() (*models.IdentifyResponse, error) { return svc.Identify(ctx, req) },
		func(err error, wait time.Duration) {
			log.WarnContext(ctx, "identify conflict", slog.Duration("retry_in", wait), slog.String("error", err.Error()))
		},
	)
}

func writeResponse(w io.Writer, format string, resp *models.IdentifyResponse) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
