package confirm

import (
	"context"
	"log/slog"
)

// LogNotifier writes notices to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Notify(ctx context.Context, n Notice) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{"title", n.Title, "text", n.Text}
	for _, f := range n.Fields {
		attrs = append(attrs, f.Name, f.Value)
	}
	log.InfoContext(ctx, "confirmation pending", attrs...)
	return nil
}
