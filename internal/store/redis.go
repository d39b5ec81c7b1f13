package store

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// GalleryChannel carries "gallery changed" notifications between instances.
const GalleryChannel = "presence:gallery"

// Redis backs the queue, the rate limiter and gallery change notifications.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy pings redis.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// NotifyGalleryChanged tells every subscribed instance to reload its gallery.
func (r *Redis) NotifyGalleryChanged(ctx context.Context) error {
	return r.Client.Publish(ctx, GalleryChannel, time.Now().UTC().Format(time.RFC3339Nano)).Err()
}

// GalleryChanges streams a signal per gallery notification until ctx ends.
// Bursts collapse into one pending signal.
func (r *Redis) GalleryChanges(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := r.Client.Subscribe(ctx, GalleryChannel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					log.Println("gallery subscription closed")
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
