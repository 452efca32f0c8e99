package cache

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

var _ = Describe("Redis-backed Cache", func() {
	var (
		ctx       context.Context
		miniRedis *miniredis.Miniredis
		client    *Client
		c         *Cache
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		miniRedis, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())

		client = NewClient(&redis.Options{Addr: miniRedis.Addr()}, testLogger())
		Expect(client.EnsureConnection(ctx)).To(Succeed())
		c = NewCache(client, testLogger())
	})

	AfterEach(func() {
		_ = client.Close()
		miniRedis.Close()
	})

	It("returns a miss for an absent key", func() {
		_, ok := c.Get(ctx, "nope")
		Expect(ok).To(BeFalse())
	})

	It("stores and retrieves a value", func() {
		c.Set(ctx, "k1", "hello", 5*time.Minute)
		value, ok := c.Get(ctx, "k1")
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("hello"))
	})

	It("expires a value after its TTL", func() {
		c.Set(ctx, "k2", "soon gone", 1*time.Second)
		miniRedis.FastForward(2 * time.Second)
		_, ok := c.Get(ctx, "k2")
		Expect(ok).To(BeFalse())
	})

	It("overwrites an existing key", func() {
		c.Set(ctx, "k3", "v1", 5*time.Minute)
		c.Set(ctx, "k3", "v2", 5*time.Minute)
		value, ok := c.Get(ctx, "k3")
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("v2"))
	})
})

var _ = Describe("InMemoryCache", func() {
	It("stores and retrieves a value", func() {
		c := NewInMemoryCache()
		c.Set(context.Background(), "k1", "hello", 5*time.Minute)
		value, ok := c.Get(context.Background(), "k1")
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("hello"))
	})

	It("expires entries lazily on Get", func() {
		c := NewInMemoryCache()
		c.Set(context.Background(), "k2", "gone soon", -1*time.Second)
		_, ok := c.Get(context.Background(), "k2")
		Expect(ok).To(BeFalse())
	})
})
