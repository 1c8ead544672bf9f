// Package api provides the read-only REST API over the indexed chain data
// @title blocksyncd API
// @version 1.0
// @description REST API for querying blocks and ERC-20 transfers indexed by blocksyncd
// @license.name Apache 2.0
// @license.url https://www.apache.org/licenses/LICENSE-2.0.html
// @host localhost:8080
// @basePath /api/v1
// @schemes http https
package api
