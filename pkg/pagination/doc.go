// Package pagination fetches a complete contact listing from the page-based CRM API.
//
// Two strategies are available:
//
// Sequential (default) requests page 1, 2, 3... and stops as soon as a page has
// no meta.nextPage (or no meta at all). Any failed page aborts the whole fetch
// and nothing partial is returned. A numeric meta.nextPage that does not move
// forward, or a listing longer than MaxPages, fails as a parse error.
//
// Parallel requests page 1 to learn meta.total (falling back to the size of
// page 1, then to zero), computes ceil(total/pageSize) pages, and fetches the
// remaining pages in consecutive batches of BatchSize concurrent requests.
// A batch starts only after the previous one settled. A page that fails inside
// a batch contributes no contacts and is listed in Collection.DegradedPages;
// the fetch as a whole still succeeds. Page 1 failing is always fatal, as is a
// meta.total that implies more than MaxPages. A batch whose pages all come back
// empty ends the fetch early.
//
// Both strategies return contacts in ascending page order regardless of the
// order in which responses arrive.
//
// Example usage:
//
//	crm, _ := client.New(client.DefaultConfig("my-app/1.0"))
//	fetcher := pagination.NewFetcher(crm, pagination.Config{Strategy: pagination.StrategyParallel})
//	contacts, err := fetcher.FetchAll(ctx, apiKey)
package pagination
