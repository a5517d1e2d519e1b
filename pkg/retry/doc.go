// Package retry implements exponential backoff for calls to external services.
//
//	policy := retry.NewPolicy(retry.DefaultConfig())
//	err := policy.Do(ctx, func(ctx context.Context) error {
//		resp, err := client.Do(req)
//		if err != nil {
//			return err
//		}
//		if resp.StatusCode == http.StatusUnauthorized {
//			return retry.Permanent(errUnauthorized)
//		}
//		return nil
//	})
//
// Errors wrapped with Permanent stop the loop immediately. Context cancellation
// is never retried.
package retry
