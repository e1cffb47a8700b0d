// Package chat is the Twitch IRC transport.
//
// Transport wraps a go-twitch-irc client with a tracked joined-set and an
// ordered publish/subscribe fan-out of typed events:
//   - MessageEvent for PRIVMSG (and locally for lines sent with Say, which the
//     server does not echo; those carry no message id).
//   - MessageDeletedEvent for CLEARMSG.
//   - UserClearedEvent for CLEARCHAT, either channel-wide or targeted.
//   - RoomStateEvent for ROOMSTATE, holding only the keys the server sent.
//   - NoticeEvent for channel NOTICEs.
//
// Events for channels outside the joined-set are dropped. Reconnects are left
// to the IRC library; the transport re-joins its channels on every connect.
// Sending normally goes through Helix; Say is the fallback.
package chat
