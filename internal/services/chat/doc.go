// Package chat is the two-party marketplace chat service.
//
// A buyer opens a conversation about a listing; the listing owner is the
// other participant. Subpackages split the service by concern: domain owns
// rooms, messages, participants and read receipts; storage persists them in
// SQLite; app serves the HTTP API and the websocket fanout gateway; client
// holds the optimistic session state a chat UI renders from.
package chat
