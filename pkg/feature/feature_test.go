package feature_test

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/kernelsu/ksud/pkg/driver"
	"github.com/kernelsu/ksud/pkg/feature"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
)

type fakeSession struct {
	driver.Session
	values map[uint32]uint64
	broken map[uint32]bool
}

func (f *fakeSession) GetFeature(id uint32) (uint64, bool, error) {
	v, ok := f.values[id]
	return v, ok, nil
}

func (f *fakeSession) SetFeature(id uint32, value uint64) error {
	if f.broken[id] {
		return errors.New("unsupported")
	}
	f.values[id] = value
	return nil
}

var _ = Describe("feature config", func() {
	It("round trips with the fixed framing", func() {
		in := feature.Config{feature.SuCompat: 1, feature.KernelUmount: 0}
		var buf bytes.Buffer
		Expect(feature.Encode(&buf, in)).To(Succeed())
		Expect(buf.Len()).To(Equal(12 + 2*12))

		raw := buf.Bytes()
		Expect(binary.LittleEndian.Uint32(raw[0:])).To(Equal(feature.Magic))
		Expect(binary.LittleEndian.Uint32(raw[4:])).To(Equal(feature.Version))
		Expect(binary.LittleEndian.Uint32(raw[8:])).To(Equal(uint32(2)))

		out, err := feature.Decode(bytes.NewReader(raw))
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal(in))
	})

	It("rejects a bad magic", func() {
		_, err := feature.Decode(bytes.NewReader(make([]byte, 12)))
		Expect(err).To(HaveOccurred())
	})

	It("fails on a truncated entry", func() {
		var buf bytes.Buffer
		Expect(feature.Encode(&buf, feature.Config{feature.SuCompat: 1})).To(Succeed())
		_, err := feature.Decode(bytes.NewReader(buf.Bytes()[:16]))
		Expect(err).To(HaveOccurred())
	})

	It("parses names and numeric ids", func() {
		Expect(feature.Parse("kernel_umount")).To(Equal(feature.KernelUmount))
		Expect(feature.Parse("2")).To(Equal(feature.EnhancedSecurity))
		_, err := feature.Parse("nope")
		Expect(err).To(HaveOccurred())
	})

	Context("on disk", func() {
		var fs vfs.FS
		var cleanup func()

		BeforeEach(func() {
			var err error
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{"/data/adb/ksu/.keep": ""})
			Expect(err).ToNot(HaveOccurred())
		})
		AfterEach(func() {
			cleanup()
		})

		It("treats a missing file as empty", func() {
			c, err := feature.Load(fs, "/data/adb/ksu/.feature_config")
			Expect(err).ToNot(HaveOccurred())
			Expect(c).To(BeEmpty())
		})

		It("forces managed features to zero and saves the result", func() {
			path := "/data/adb/ksu/.feature_config"
			Expect(feature.Save(fs, path, feature.Config{feature.SuCompat: 1, feature.KernelUmount: 1})).To(Succeed())

			s := &fakeSession{values: map[uint32]uint64{}, broken: map[uint32]bool{}}
			err := feature.Init(fs, path, s, map[string][]string{"zygisk": {"kernel_umount", "bogus"}})
			Expect(err).ToNot(HaveOccurred())
			Expect(s.values).To(Equal(map[uint32]uint64{0: 1, 1: 0}))

			c, err := feature.Load(fs, path)
			Expect(err).ToNot(HaveOccurred())
			Expect(c).To(Equal(feature.Config{feature.SuCompat: 1, feature.KernelUmount: 0}))
		})
	})

	It("keeps applying after a failure", func() {
		s := &fakeSession{values: map[uint32]uint64{}, broken: map[uint32]bool{0: true}}
		err := feature.Apply(s, feature.Config{feature.SuCompat: 1, feature.EnhancedSecurity: 1})
		Expect(err).To(HaveOccurred())
		Expect(s.values).To(HaveKeyWithValue(uint32(2), uint64(1)))
	})

	It("snapshots supported features only", func() {
		s := &fakeSession{values: map[uint32]uint64{1: 1}}
		Expect(feature.Snapshot(s)).To(Equal(feature.Config{feature.KernelUmount: 1}))
	})
})
