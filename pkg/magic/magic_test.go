package magic_test

import (
	"os"
	"path/filepath"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/pkg/magic"
	"github.com/kernelsu/ksud/pkg/op"
	"github.com/kernelsu/ksud/pkg/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"
)

// crashingMounter records like op.Recorder but panics on bind mounts.
type crashingMounter struct {
	*op.Recorder
}

func (crashingMounter) Bind(source, target string) error {
	panic("bind " + source)
}

type fakeLabels struct {
	labels map[string]string
}

func (f *fakeLabels) Get(path string) (string, error) { return f.labels[path], nil }

func (f *fakeLabels) Set(path, label string) error {
	f.labels[path] = label
	return nil
}

var _ = Describe("magic mount", func() {
	var (
		live   string
		modDir string
		work   string
		rec    *op.Recorder
		labels *fakeLabels
		engine *magic.Engine
	)

	touch := func(parts ...string) string {
		p := filepath.Join(parts...)
		ExpectWithOffset(1, os.MkdirAll(filepath.Dir(p), 0o755)).To(Succeed())
		ExpectWithOffset(1, os.WriteFile(p, []byte(filepath.Base(p)), 0o644)).To(Succeed())
		return p
	}
	module := func(id string) schema.Module {
		return schema.Module{ID: id, Path: filepath.Join(modDir, id), Enabled: true}
	}

	BeforeEach(func() {
		base := GinkgoT().TempDir()
		live = filepath.Join(base, "live")
		modDir = filepath.Join(base, "modules")
		work = filepath.Join(base, "work")
		rec = &op.Recorder{}
		labels = &fakeLabels{labels: map[string]string{}}
		engine = &magic.Engine{Root: live, WorkDir: work, Mounter: rec, Labels: labels}
	})

	It("binds a single file over its live copy", func() {
		touch(live, "system", "etc", "hosts")
		hosts := touch(modDir, "alpha", "system", "etc", "hosts")

		Expect(engine.MountModules([]schema.Module{module("alpha")})).To(Succeed())
		Expect(rec.Filter("bind")).To(Equal([]op.Call{{Op: "bind", Source: hosts, Target: filepath.Join(live, "system", "etc", "hosts")}}))
		Expect(rec.Filter("move")).To(BeEmpty())
		Expect(rec.Filter("tmpfs")).To(Equal([]op.Call{{Op: "tmpfs", Source: constants.MountSource, Target: work}}))
		Expect(rec.Filter("detach")).To(Equal([]op.Call{{Op: "detach", Target: work}}))
	})

	It("detaches the scratch tmpfs when grafting panics", func() {
		touch(live, "system", "etc", "hosts")
		touch(modDir, "alpha", "system", "etc", "hosts")
		engine.Mounter = crashingMounter{rec}

		Expect(func() { _ = engine.MountModules([]schema.Module{module("alpha")}) }).To(Panic())
		Expect(rec.Filter("tmpfs")).To(HaveLen(1))
		Expect(rec.Filter("detach")).To(Equal([]op.Call{{Op: "detach", Target: work}}))
		Expect(work).ToNot(BeADirectory())
	})

	It("builds a skeleton for a symlink", func() {
		touch(live, "system", "bin", "sh")
		touch(live, "system", "bin", "toybox")
		Expect(os.MkdirAll(filepath.Join(modDir, "beta", "system", "bin"), 0o755)).To(Succeed())
		foo := filepath.Join(modDir, "beta", "system", "bin", "foo")
		Expect(os.Symlink("bar", foo)).To(Succeed())
		labels.labels[foo] = constants.SystemFileContext
		labels.labels[filepath.Join(live, "system", "bin")] = "u:object_r:system_bin:s0"

		Expect(engine.MountModules([]schema.Module{module("beta")})).To(Succeed())

		liveBin := filepath.Join(live, "system", "bin")
		workBin := filepath.Join(work, "system", "bin")
		Expect(rec.Filter("bind")).To(Equal([]op.Call{
			{Op: "bind", Source: workBin, Target: workBin},
			{Op: "bind", Source: filepath.Join(liveBin, "sh"), Target: filepath.Join(workBin, "sh")},
			{Op: "bind", Source: filepath.Join(liveBin, "toybox"), Target: filepath.Join(workBin, "toybox")},
		}))
		Expect(rec.Filter("move")).To(Equal([]op.Call{{Op: "move", Source: workBin, Target: liveBin}}))
		Expect(rec.Filter("private")).To(ContainElement(op.Call{Op: "private", Target: liveBin}))

		target, err := os.Readlink(filepath.Join(workBin, "foo"))
		Expect(err).ToNot(HaveOccurred())
		Expect(target).To(Equal("bar"))
		Expect(labels.labels[filepath.Join(workBin, "foo")]).To(Equal(constants.SystemFileContext))
		Expect(labels.labels[workBin]).To(Equal("u:object_r:system_bin:s0"))
	})

	It("drops whited out entries from the skeleton", func() {
		touch(live, "system", "bin", "sh")
		touch(live, "system", "bin", "su")
		gammaBin := filepath.Join(modDir, "gamma", "system", "bin")
		Expect(os.MkdirAll(gammaBin, 0o755)).To(Succeed())

		root := magic.NewDir("")
		system := root.Children.Add(magic.NewDir("system"))
		bin := system.Children.Add(&magic.Node{Name: "bin", Kind: magic.Directory, ModulePath: gammaBin})
		bin.Children.Add(&magic.Node{Name: "su", Kind: magic.Whiteout, ModulePath: filepath.Join(gammaBin, "su")})

		Expect(engine.Mount(root)).To(Succeed())
		workBin := filepath.Join(work, "system", "bin")
		Expect(filepath.Join(workBin, "sh")).To(BeAnExistingFile())
		Expect(filepath.Join(workBin, "su")).ToNot(BeAnExistingFile())
		Expect(rec.Filter("move")).To(HaveLen(1))
	})

	It("recognises whiteouts on disk", func() {
		if os.Geteuid() != 0 {
			Skip("creating a whiteout needs CAP_MKNOD")
		}
		touch(live, "system", "bin", "su")
		touch(live, "system", "bin", "sh")
		Expect(os.MkdirAll(filepath.Join(modDir, "gamma", "system", "bin"), 0o755)).To(Succeed())
		Expect(unix.Mknod(filepath.Join(modDir, "gamma", "system", "bin", "su"), unix.S_IFCHR|0o644, 0)).To(Succeed())

		root, err := engine.Collect([]schema.Module{module("gamma")})
		Expect(err).ToNot(HaveOccurred())
		system, _ := root.Children.Get("system")
		bin, _ := system.Children.Get("bin")
		su, ok := bin.Children.Get("su")
		Expect(ok).To(BeTrue())
		Expect(su.Kind).To(Equal(magic.Whiteout))
	})

	It("lets later modules take over files but keeps the first kind", func() {
		touch(live, "system", "etc", "hosts")
		touch(modDir, "a", "system", "etc", "hosts")
		later := touch(modDir, "b", "system", "etc", "hosts")
		touch(modDir, "a", "system", "etc", "conf", "x")
		touch(modDir, "b", "system", "etc", "conf")

		root, err := engine.Collect([]schema.Module{module("a"), module("b")})
		Expect(err).ToNot(HaveOccurred())
		system, _ := root.Children.Get("system")
		etc, _ := system.Children.Get("etc")
		hosts, _ := etc.Children.Get("hosts")
		Expect(hosts.ModulePath).To(Equal(later))
		conf, _ := etc.Children.Get("conf")
		Expect(conf.Kind).To(Equal(magic.Directory))
		Expect(conf.ModulePath).To(Equal(filepath.Join(modDir, "a", "system", "etc", "conf")))
	})

	It("keeps the opaque flag of a later module on a shared dir", func() {
		touch(live, "system", "app", "Stock", "Stock.apk")
		touch(modDir, "a", "system", "app", "A", "A.apk")
		touch(modDir, "b", "system", "app", "B", "B.apk")
		opaque := filepath.Join(modDir, "b", "system", "app")
		if err := xattr.LSet(opaque, constants.OpaqueXattr, []byte("y")); err != nil {
			Skip("trusted xattrs need CAP_SYS_ADMIN: " + err.Error())
		}

		root, err := engine.Collect([]schema.Module{module("a"), module("b")})
		Expect(err).ToNot(HaveOccurred())
		system, _ := root.Children.Get("system")
		app, _ := system.Children.Get("app")
		Expect(app.Replace).To(BeTrue())
		Expect(app.ModulePath).To(Equal(opaque))
		_, ok := app.Children.Get("A")
		Expect(ok).To(BeTrue())
		_, ok = app.Children.Get("B")
		Expect(ok).To(BeTrue())
	})

	It("skips disabled and skip_mount modules", func() {
		touch(modDir, "off", "system", "etc", "a")
		touch(modDir, "quiet", "system", "etc", "b")
		touch(modDir, "quiet", constants.SkipMountFileName)
		off := module("off")
		off.Enabled = false
		root, err := engine.Collect([]schema.Module{off, module("quiet")})
		Expect(err).ToNot(HaveOccurred())
		Expect(root).To(BeNil())
	})

	It("relocates partitions on merged layouts", func() {
		Expect(os.MkdirAll(filepath.Join(live, "vendor", "lib"), 0o755)).To(Succeed())
		Expect(os.MkdirAll(filepath.Join(live, "system"), 0o755)).To(Succeed())
		Expect(os.Symlink("../vendor", filepath.Join(live, "system", "vendor"))).To(Succeed())
		touch(modDir, "v", "system", "vendor", "lib", "libx.so")

		root, err := engine.Collect([]schema.Module{module("v")})
		Expect(err).ToNot(HaveOccurred())
		_, ok := root.Children.Get("vendor")
		Expect(ok).To(BeTrue())
		system, _ := root.Children.Get("system")
		_, ok = system.Children.Get("vendor")
		Expect(ok).To(BeFalse())
	})

	It("skips root level children that would need a tmpfs", func() {
		touch(live, "system", "etc", "hosts")
		touch(modDir, "delta", "system", "newdir", "file")

		root, err := engine.Collect([]schema.Module{module("delta")})
		Expect(err).ToNot(HaveOccurred())
		Expect(engine.Mount(root)).To(Succeed())
		system, _ := root.Children.Get("system")
		newdir, ok := system.Children.Get("newdir")
		Expect(ok).To(BeTrue())
		Expect(newdir.Skip).To(BeTrue())
		Expect(rec.Filter("bind")).To(BeEmpty())
		Expect(rec.Filter("detach")).To(HaveLen(1))
	})

	It("replaces opaque directories wholesale", func() {
		touch(live, "system", "app", "Stock", "Stock.apk")
		mine := touch(modDir, "eps", "system", "app", "Mine.apk")

		root := magic.NewDir("")
		system := root.Children.Add(magic.NewDir("system"))
		app := system.Children.Add(&magic.Node{Name: "app", Kind: magic.Directory, ModulePath: filepath.Dir(mine), Replace: true})
		app.Children.Add(&magic.Node{Name: "Mine.apk", Kind: magic.RegularFile, ModulePath: mine})

		Expect(engine.Mount(root)).To(Succeed())
		workApp := filepath.Join(work, "system", "app")
		Expect(filepath.Join(workApp, "Stock")).ToNot(BeADirectory())
		Expect(rec.Filter("bind")).To(ContainElement(op.Call{Op: "bind", Source: mine, Target: filepath.Join(workApp, "Mine.apk")}))
		Expect(rec.Filter("move")).To(Equal([]op.Call{{Op: "move", Source: workApp, Target: filepath.Join(live, "system", "app")}}))
	})

	It("describes the plan without mounting", func() {
		touch(live, "system", "etc", "hosts")
		touch(modDir, "alpha", "system", "etc", "hosts")
		plan, err := engine.DescribePlan([]schema.Module{module("alpha")})
		Expect(err).ToNot(HaveOccurred())
		Expect(plan).To(ContainSubstring("hosts [file]"))
		Expect(plan).To(ContainSubstring("bind " + filepath.Join(modDir, "alpha", "system", "etc", "hosts")))
		Expect(rec.Calls).To(BeEmpty())
	})
})
