// Package allocation splits donations across the packages an organization
// depends on.
//
// Amounts are integer millicents at the boundary. New money loses 4% plus 30
// millicents to fees (AdjustAmount); redistributed money does not. The adjusted
// amount is divided between ecosystems by package count and floored once per
// ecosystem, so at most one millicent per ecosystem is lost to rounding and the
// total never exceeds the donation. Within an ecosystem each package receives
// its weight times the ecosystem's share.
//
//	summary, err := engine.Distribute(ctx, allocation.Allocation{
//		OrganizationID: orgID,
//		Amount:         1_000_000,
//		WeightMaps:     maps,
//	})
//	...
//	err = engine.Finalize(ctx, allocation.Outcome{OrganizationID: orgID, Amount: 1_000_000, Crawled: true})
package allocation
