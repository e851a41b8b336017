package certstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"localhttps/internal/logging"
)

// Tool selections accepted by ResolveTool.
const (
	ToolAuto   = "auto"
	ToolMkcert = "mkcert"
	ToolNative = "native"
)

// ResolveTool returns the tool named by selection. ToolAuto (or empty) uses
// mkcert when it can be found and the built-in CA otherwise; an explicit
// mkcert binary that cannot be used is an error in every mode.
func ResolveTool(ctx context.Context, selection, mkcertBinary string, logger *slog.Logger) (Tool, error) {
	logger = logging.OrDiscard(logger)

	switch selection {
	case ToolNative:
		return NewNativeTool(), nil
	case ToolMkcert:
		tool, err := NewMkcertTool(ctx, mkcertBinary, nil)
		if err != nil {
			return nil, err
		}
		return tool, nil
	case "", ToolAuto:
		tool, err := NewMkcertTool(ctx, mkcertBinary, nil)
		if err == nil {
			return tool, nil
		}
		if mkcertBinary == "" && errors.Is(err, ErrToolNotFound) {
			logger.Warn("mkcert not found, using the built-in certificate authority; install it in your trust store from /.ca")
			return NewNativeTool(), nil
		}
		return nil, err
	default:
		return nil, fmt.Errorf("unknown certificate tool %q", selection)
	}
}
