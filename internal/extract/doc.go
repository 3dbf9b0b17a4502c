// Package extract provides the business boundary for pathsift's alert
// path-extraction system. It defines the Service (task lifecycle, async
// dispatch, restart reconciliation), Engine (bounded worker pool over the
// inference client), Validator (path-plausibility classification), the
// order-preserving result aggregator, the Store interface, and domain models.
package extract
