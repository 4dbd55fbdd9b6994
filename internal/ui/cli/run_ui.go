package cli

import (
	"context"
	"errors"

	coreapp "citystid/internal/core/app"

	tea "github.com/charmbracelet/bubbletea"
)

// runUI converts the selected themes behind a progress view. Quitting the
// view cancels in-flight work and waits for it to settle.
func runUI(ctx context.Context, app *coreapp.App, themes []string, opts cliOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(initialModel(), tea.WithAltScreen(), tea.WithContext(ctx))

	app.SetUpdateHandler(func(update coreapp.Update) {
		p.Send(updateMsg{update: update})
	})
	defer app.SetUpdateHandler(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		summaries := processThemes(ctx, app, themes, opts.parallel)
		msg := runDoneMsg{summaries: summaries}
		if opts.watch && ctx.Err() == nil {
			if err := app.StartWatcher(ctx, themes); err != nil {
				msg.err = err
			} else {
				msg.watching = true
			}
		}
		p.Send(msg)
	}()

	_, err := p.Run()
	cancel()
	<-done
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
