// Package magiclink issues emailed single-use links and lets the tab that
// asked for one poll until the link is followed.
//
// Following a link consumes its ledger entry exactly once. The waiting tab
// polls by request id, never by token, and keeps receiving bridge tokens for
// a short grace window after the link was used.
package magiclink
