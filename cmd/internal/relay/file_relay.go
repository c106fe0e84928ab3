package relay

import (
	"errors"
	"fmt"
	"io"

	"relay/cmd/internal/frame"
	"relay/cmd/internal/ids"
	v1 "relay/shared/contracts/relay/v1"
)

// FileResult describes one relayed file.
type FileResult struct {
	TransferID string
	Offer      v1.FileOffer
	Delivery   Delivery
}

// RelayFile consumes offer.Size payload bytes from src and forwards header and
// payload to the target ("ALL" = every registered peer except the sender).
//
// The payload is always consumed in full before returning, so src stays framed
// for the next header. The whole payload is read before any recipient write.
// Offers over the size cap, and offers to an offline target, are drained and
// answered with an ERROR notice to the sender.
//
// A short payload returns an error wrapping ErrIncompletePayload; nothing is forwarded.
func (r *Router) RelayFile(from *Peer, offer v1.FileOffer, src io.Reader) (FileResult, error) {
	offer.Sender = from.Name()
	res := FileResult{TransferID: ids.NewTransferID(), Offer: offer}

	log := r.log.With(
		"transfer_id", res.TransferID,
		"sender", offer.Sender,
		"target", offer.Target,
		"filename", offer.Filename,
		"size", offer.Size,
	)

	if r.maxFileBytes > 0 && offer.Size > r.maxFileBytes {
		if err := drain(src, offer.Size); err != nil {
			return res, err
		}
		log.Info("file.rejected.too_large", "max_bytes", r.maxFileBytes)
		text := fmt.Sprintf("File '%s' exceeds the %d byte limit.", offer.Filename, r.maxFileBytes)
		if err := from.Send(v1.ErrorNotice(text)); err != nil {
			return res, errors.Join(ErrFileTooLarge, err)
		}
		return res, ErrFileTooLarge
	}

	// Skip buffering when a named target is already known to be offline.
	if !offer.Broadcast() {
		if _, ok := r.reg.Lookup(offer.Target); !ok {
			if err := drain(src, offer.Size); err != nil {
				return res, err
			}
			log.Info("file.rejected.target_offline")
			return res, r.notFound(from, offer.Target)
		}
	}

	payload, err := frame.ReadExact(src, offer.Size)
	if err != nil {
		return res, payloadErr(err)
	}

	if offer.Broadcast() {
		res.Delivery = r.fanout(v1.TypeFile, offer.Sender, func(e Entry) error {
			return e.Peer.WriteFile(offer.Addressed(e.Name).String(), payload)
		})
	} else {
		// Re-resolve: the target may have left while the payload was in flight.
		to, ok := r.reg.Lookup(offer.Target)
		if !ok {
			log.Info("file.rejected.target_offline")
			return res, r.notFound(from, offer.Target)
		}
		res.Delivery.Attempted = 1
		if err := to.WriteFile(offer.String(), payload); err != nil {
			res.Delivery.Failed = 1
			r.drop(Entry{Name: to.Name(), Peer: to}, v1.TypeFile, err)
		} else {
			res.Delivery.Delivered = 1
		}
	}

	r.metrics.fileRelayed(offer.Size, res.Delivery.Delivered)
	log.Info("file.relayed",
		"attempted", res.Delivery.Attempted,
		"delivered", res.Delivery.Delivered,
		"failed", res.Delivery.Failed,
	)
	return res, nil
}

func drain(src io.Reader, n int64) error {
	if err := frame.Discard(src, n); err != nil {
		return payloadErr(err)
	}
	return nil
}

func payloadErr(err error) error {
	if errors.Is(err, frame.ErrIncompleteStream) {
		return fmt.Errorf("%w: %w", ErrIncompletePayload, err)
	}
	return StreamError{Op: "read payload", Err: err}
}
