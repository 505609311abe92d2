package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/lunar/pkg/capability"
)

// AITag marks proactive messages so recipients know a human did not type them.
const AITag = "\n(ai)"

type sendArgs struct {
	To       string `json:"to" jsonschema:"description=The name of a known person or a raw channel address"`
	Message  string `json:"message" jsonschema:"description=The text message to send"`
	FilePath string `json:"filePath,omitempty" jsonschema:"description=Optional path of a file to send with the message"`
}

func sendMessage(opts Options) capability.Capability {
	logger := opts.Logger.With().Str("component", "send_message").Logger()

	return capability.New("send_message",
		"Send a message, and optionally a file, to a known person or a channel address. Use this to proactively contact someone.",
		func(ctx context.Context, in sendArgs) (interface{}, error) {
			transport, ok := opts.Transport()
			if !ok {
				return nil, fmt.Errorf("no messaging channel is connected")
			}

			address := strings.TrimSpace(in.To)
			person, found, err := opts.People.FindByName(ctx, address)
			if err != nil {
				return nil, err
			}
			if found {
				if person.ChannelAddress == "" {
					return nil, fmt.Errorf("person %q is known but has no channel address", person.Name)
				}
				address = person.ChannelAddress
				logger.Info().Str("to", in.To).Str("address", address).Msg("Resolved recipient")
			}
			if address == "" {
				return nil, fmt.Errorf("recipient is required")
			}

			text := in.Message + AITag
			if in.FilePath == "" {
				if err := transport.SendText(ctx, address, text); err != nil {
					logger.Error().Err(err).Str("address", address).Msg("Failed to send message")
					return nil, fmt.Errorf("failed to send message: %w", err)
				}
				return fmt.Sprintf("Sent text message to %s (%s)", in.To, address), nil
			}

			path, err := resolveAttachment(opts.WorkspaceRoot, in.FilePath)
			if err != nil {
				return nil, err
			}
			if err := transport.SendFile(ctx, address, path, text); err != nil {
				logger.Error().Err(err).Str("address", address).Msg("Failed to send file")
				return nil, fmt.Errorf("failed to send file: %w", err)
			}
			return fmt.Sprintf("Sent file %s to %s (%s)", filepath.Base(path), in.To, address), nil
		})
}

// resolveAttachment confines relative paths to the workspace when one is
// configured.
func resolveAttachment(root, value string) (string, error) {
	var (
		path string
		err  error
	)
	if root != "" {
		path, err = ResolveWorkspacePath(root, value)
	} else {
		path, err = filepath.Abs(value)
	}
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("file not found at %s", path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	return path, nil
}
