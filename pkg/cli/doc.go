/*
Package cli provides command-line interface utilities for Conductor.

The cli package includes output formatters, progress reporters, exit code
mapping and signal handling used by the conductor command.

Output Formatting:

Results that implement Table render as aligned text columns or CSV; any
value can be written as JSON:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(os.Stdout, circuits); err != nil {
		return err
	}

Exit Codes:

ExitCode maps the error taxonomy to process exit codes: policy blocks,
routing dead ends, execution failures, cancellation and defects each get
their own code.

	os.Exit(cli.ExitCode(rootCmd.Execute()))

Progress Reporting:

For long-running operations such as evidence export, use the progress
reporter. It writes to stderr by default:

	progress := cli.NewProgressReporter(nil, "records")
	progress.Start(total)
	progress.Update(n)
	progress.Finish()

Signal Handling:

For graceful shutdown on SIGINT/SIGTERM:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()
*/
package cli
