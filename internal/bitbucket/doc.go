// Package bitbucket talks to the Bitbucket Server / Data Center REST API.
//
// Client.Get performs one logical GET with rate limiting and capped
// exponential backoff and reports failure as an absent Result rather than an
// error. Client.Paginate walks start/limit paged listings, and the fetchers in
// fetchers.go project those listings onto harvest types.
package bitbucket
