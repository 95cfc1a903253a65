package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"coseditor/internal/cos"
	"coseditor/internal/health"
)

func newBooksCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "books [book-id]",
		Short: "List the tenant's books, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := root.client()

			if len(args) == 1 {
				b, err := client.GetBook(ctx, args[0])
				if err != nil {
					return storeError("get book", err)
				}
				return root.printer(cmd).Print(b, func(w io.Writer) { printBooks(w, []cos.BookRecord{*b}) })
			}

			books, err := client.ListBooks(ctx)
			if err != nil {
				return storeError("list books", err)
			}
			return root.printer(cmd).Print(books, func(w io.Writer) { printBooks(w, books) })
		},
	}
}

func printBooks(w io.Writer, books []cos.BookRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tTITLE\tSTATUS\tUPDATED")
	for _, b := range books {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.ID, b.BookCode, b.Title, b.Status, b.UpdatedAt)
	}
	tw.Flush()
}

func newHealthCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the store answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := root.client()
			res := health.TestConnection(cmd.Context(), client)
			data := struct {
				health.TestResult
				APIURL string `json:"apiUrl"`
			}{res, client.BaseURL()}

			if err := root.printer(cmd).Print(data, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s\n", client.BaseURL(), res.Message)
			}); err != nil {
				return err
			}
			if !res.Success {
				return NewExitError(ExitFailure, "store unreachable")
			}
			return nil
		},
	}
}
