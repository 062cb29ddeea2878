package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/platform/sandbox"
	"github.com/MrJamesThe3rd/iapkit/internal/product"
	"github.com/MrJamesThe3rd/iapkit/internal/purchase"
	"github.com/MrJamesThe3rd/iapkit/internal/recovery"
)

func productsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "List the sandbox catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			ids := make([]string, len(catalog))
			for i, p := range catalog {
				ids[i] = p.ID
			}

			products, err := e.client.Products(cmd.Context(), ids)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, p := range products {
				fmt.Fprintf(out, "%-16s %-14s %-26s %s\n", p.ID, p.FormattedPrice(), p.Kind, p.DisplayName)
			}

			return nil
		},
	}
}

func parseOutcome(s string) (sandbox.Outcome, error) {
	switch o := sandbox.Outcome(s); o {
	case sandbox.OutcomeSucceed, sandbox.OutcomeCancel, sandbox.OutcomeDefer, sandbox.OutcomeFail:
		return o, nil
	}

	return "", errUnknownOutcome
}

func purchaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purchase [product-id]",
		Short: "Purchase a product with a scripted store answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcomeFlag, _ := cmd.Flags().GetString("outcome")
			pairs, _ := cmd.Flags().GetStringSlice("user")
			approve, _ := cmd.Flags().GetBool("approve")

			outcome, err := parseOutcome(outcomeFlag)
			if err != nil {
				return err
			}

			userInfo, err := parseUserInfo(pairs)
			if err != nil {
				return err
			}

			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			if err := e.client.Start(ctx); err != nil {
				return err
			}

			e.store.Script(args[0], sandbox.Behavior{Outcome: outcome})

			result := e.client.Purchase(ctx, args[0], userInfo)
			printOutcome(cmd.OutOrStdout(), result)

			pending, ok := result.(*purchase.Pending)
			if !approve || !ok || pending.Transaction == nil {
				return nil
			}

			return approveDeferred(ctx, cmd.OutOrStdout(), e, pending)
		},
	}

	cmd.Flags().StringP("outcome", "o", string(sandbox.OutcomeSucceed), "Store answer: succeed, cancel, defer or fail")
	cmd.Flags().StringSliceP("user", "u", nil, "Attribution key=value pairs attached to the order")
	cmd.Flags().Bool("approve", false, "Approve a deferred purchase and let the monitor finalize it")

	return cmd
}

// approveDeferred plays the parent approving a deferred purchase; the monitor sees the update
// and finalizes the pending order.
func approveDeferred(ctx context.Context, out io.Writer, e *env, pending *purchase.Pending) error {
	done := make(chan platform.Transaction, 1)

	e.client.Monitor().AddStateHandler("iapctl-approve", platform.StatePurchased, func(tx platform.Transaction) {
		if tx.ID == pending.Transaction.ID {
			select {
			case done <- tx:
			default:
			}
		}
	})
	defer e.client.Monitor().RemoveHandler("iapctl-approve")

	if _, err := e.store.Approve(pending.Transaction.ID); err != nil {
		return err
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("monitor did not observe approval of %s", pending.Transaction.ID)
	case <-ctx.Done():
		return ctx.Err()
	}

	o, err := e.client.Orders().GetOrder(ctx, pending.Order.ID)
	if err != nil {
		return err
	}

	sum := e.client.Monitor().Summary(ctx)
	fmt.Fprintf(out, "approved: order %s is %s (monitor processed %d, succeeded %d)\n",
		shortID(o.ID), o.Status, sum.Processed, sum.Succeeded)

	return nil
}

func printOutcome(out io.Writer, o purchase.Outcome) {
	switch v := o.(type) {
	case *purchase.Success:
		fmt.Fprintf(out, "success: order %s %s, transaction %s\n", shortID(v.Order.ID), v.Order.Status, v.Transaction.ID)
	case *purchase.Pending:
		fmt.Fprintf(out, "pending: order %s %s, awaiting approval\n", shortID(v.Order.ID), v.Order.Status)
	case *purchase.Cancelled:
		if v.Order != nil {
			fmt.Fprintf(out, "cancelled: order %s %s\n", shortID(v.Order.ID), v.Order.Status)
			return
		}

		fmt.Fprintln(out, "cancelled")
	case *purchase.Failed:
		fmt.Fprintf(out, "failed (%s): %v\n", apperr.KindOf(v.Err), v.Err)
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Buy the non-consumable catalog, then restore it",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			if err := e.client.Start(ctx); err != nil {
				return err
			}

			for _, p := range catalog {
				if p.Kind == product.KindConsumable {
					continue
				}

				printOutcome(cmd.OutOrStdout(), e.client.PurchaseProduct(ctx, p, nil))
			}

			txs, err := e.client.RestorePurchases(ctx)
			if err != nil {
				return err
			}

			for _, tx := range txs {
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s (%s) from %s\n", tx.ID, tx.ProductID, tx.OriginalTransactionID)
			}

			return nil
		},
	}
}

func recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Simulate a crash after payment and run a recovery sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			inject, _ := cmd.Flags().GetStringSlice("inject")
			withOrders, _ := cmd.Flags().GetBool("with-orders")

			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()

			if withOrders {
				for _, id := range inject {
					p, err := e.client.Product(ctx, id)
					if err != nil {
						return err
					}

					if _, err := e.client.Orders().CreateOrder(ctx, p, map[string]string{"source": "iapctl"}); err != nil {
						return err
					}
				}
			}

			if _, err := e.store.Inject(inject...); err != nil {
				return err
			}

			report, err := e.client.Recover(ctx)
			printReport(cmd.OutOrStdout(), report)

			return err
		},
	}

	cmd.Flags().StringSlice("inject", []string{"coins.100"}, "Products with an unfinished purchase to inject")
	cmd.Flags().Bool("with-orders", true, "Create an open order for each injected purchase first")

	return cmd
}

func printReport(out io.Writer, r recovery.Report) {
	for _, tx := range r.Recovered {
		fmt.Fprintf(out, "recovered %s (%s)\n", tx.ID, tx.ProductID)
	}

	for _, tx := range r.Orphaned {
		fmt.Fprintf(out, "orphaned  %s (%s)\n", tx.ID, tx.ProductID)
	}

	for _, a := range r.Linked {
		fmt.Fprintf(out, "linked    order %s to %s\n", shortID(a.Order.ID), a.Transaction.ID)
	}

	fmt.Fprintf(out, "orders recovered %d, cleaned %d, failures %d\n", len(r.Orders), len(r.Cleaned), r.Failures)
}
