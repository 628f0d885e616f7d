package transport

import (
	"github.com/vcompany/vcompany/internal/eventlog"
	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/router"
	"github.com/vcompany/vcompany/internal/vcerr"
)

func toDeliverPayload(env router.Envelope) DeliverPayload {
	p := DeliverPayload{
		MessageRand: env.MessageId.Rand,
		MessageSeq:  env.MessageId.Seq,
		Sender:      env.Sender,
		Recipients:  env.RecipientSnapshot,
		EventKind:   env.Kind,
		Text:        env.Content.Text,
		Tool:        env.Content.Structured,
		Timestamp:   env.Timestamp,
	}
	switch env.Conversation.Kind {
	case ids.ConvDirect:
		p.ConversationKind = "direct"
		p.ConversationA = env.Conversation.A
		p.ConversationB = env.Conversation.B
	case ids.ConvGroup:
		p.ConversationKind = "group"
		p.ConversationGrp = env.Conversation.Group
	case ids.ConvBroadcast:
		p.ConversationKind = "broadcast"
		p.ConversationNode = env.Conversation.Origin
	case ids.ConvTrace:
		p.ConversationKind = "trace"
		p.ConversationA = env.Conversation.A
	}
	return p
}

func fromDeliverPayload(p DeliverPayload) (router.Envelope, error) {
	var conv ids.ConversationKey
	switch p.ConversationKind {
	case "direct":
		conv = ids.DirectKey(p.ConversationA, p.ConversationB)
	case "group":
		conv = ids.GroupKey(p.ConversationGrp)
	case "broadcast":
		conv = ids.BroadcastKey(p.ConversationNode)
	case "trace":
		conv = ids.TraceKey(p.ConversationA)
	default:
		return router.Envelope{}, vcerr.Newf(vcerr.ProtocolMismatch, "unknown conversation kind %q", p.ConversationKind)
	}
	return router.Envelope{
		Conversation:      conv,
		MessageId:         ids.MessageId{Rand: p.MessageRand, Seq: p.MessageSeq},
		Sender:            p.Sender,
		RecipientSnapshot: p.Recipients,
		Kind:              p.EventKind,
		Content:           eventlog.Content{Text: p.Text, Structured: p.Tool},
		Timestamp:         p.Timestamp,
	}, nil
}
