package dag_test

import (
	"context"
	"os"
	"path/filepath"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/pkg/dag"
	"github.com/kernelsu/ksud/pkg/driver"
	"github.com/kernelsu/ksud/pkg/feature"
	"github.com/kernelsu/ksud/pkg/image"
	"github.com/kernelsu/ksud/pkg/magic"
	"github.com/kernelsu/ksud/pkg/modconfig"
	"github.com/kernelsu/ksud/pkg/module"
	"github.com/kernelsu/ksud/pkg/op"
	"github.com/kernelsu/ksud/pkg/overlay"
	"github.com/kernelsu/ksud/pkg/safety"
	"github.com/kernelsu/ksud/pkg/schema"
	"github.com/kernelsu/ksud/pkg/state"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
)

var _ = Describe("boot stages", func() {
	var (
		l       schema.Layout
		drv     *fakeDriver
		scripts *fakeScripts
		images  *fakeImages
		props   *fakeFileTool
		policy  *fakeFileTool
		rec     *op.Recorder
		magisk  bool
		s       *state.State
		g       *herd.Graph
	)

	touch := func(parts ...string) string {
		p := filepath.Join(parts...)
		ExpectWithOffset(1, os.MkdirAll(filepath.Dir(p), 0o755)).To(Succeed())
		ExpectWithOffset(1, os.WriteFile(p, []byte(filepath.Base(p)), 0o755)).To(Succeed())
		return p
	}
	writeProp := func(dir, id string) {
		ExpectWithOffset(1, os.MkdirAll(dir, 0o755)).To(Succeed())
		ExpectWithOffset(1, os.WriteFile(filepath.Join(dir, constants.ModuleProp), []byte("id="+id+"\nname="+id+"\n"), 0o644)).To(Succeed())
	}
	// seed is what the fake image holds once mounted
	seed := func(dir string) {
		alpha := filepath.Join(dir, "alpha")
		writeProp(alpha, "alpha")
		for _, f := range []string{"post-fs-data.sh", "service.sh", "post-mount.sh", "boot-completed.sh", constants.SystemPropName, constants.SepolicyRuleName} {
			touch(alpha, f)
		}
		touch(alpha, "system", "etc", "hosts")

		gone := filepath.Join(dir, "gone")
		writeProp(gone, "gone")
		touch(gone, "post-fs-data.sh")
		touch(gone, constants.RemoveFileName)
	}
	indexOf := func(names []string, name string) int {
		for i, n := range names {
			if n == name {
				return i
			}
		}
		return -1
	}

	BeforeEach(func() {
		base := GinkgoT().TempDir()
		l = schema.LayoutFor(filepath.Join(base, "adb"), filepath.Join(base, "debug_ramdisk"))
		l.Root = filepath.Join(base, "root")
		touch(l.Root, "system", "etc", "hosts")

		drv = &fakeDriver{features: map[uint32]uint64{}}
		scripts = &fakeScripts{}
		images = &fakeImages{onMount: seed}
		props = &fakeFileTool{}
		policy = &fakeFileTool{}
		rec = &op.Recorder{}
		magisk = false

		reg := module.New(l, scripts)
		reg.Images = &image.Store{Layout: l, Mounter: images}
		reg.Labels = fakeLabels{}
		reg.Props = props
		reg.Policy = policy

		s = &state.State{
			Layout:    l,
			FS:        vfs.OSFS,
			Driver:    drv,
			Safety:    safety.New(vfs.OSFS, l.SafetyFlag()),
			Registry:  reg,
			Scripts:   scripts,
			Assets:    state.BinDirAssets{},
			Mounter:   rec,
			Magic:     &magic.Engine{Root: l.Root, WorkDir: l.MagicWorkDir, Mounter: rec, Labels: fakeLabels{}},
			Overlay:   overlay.New(l.Root),
			MountMode: state.MountModeMagic,
			HasMagisk: func() bool { return magisk },
			Mounted:   func(string) (bool, error) { return false, nil },
		}
		g = herd.DAG(herd.EnableInit)
	})

	Context("post-fs-data", func() {
		BeforeEach(func() {
			touch(l.ModuleImage())
		})

		It("orders the steps as a single chain", func() {
			Expect(dag.RegisterPostFsData(s, g)).To(Succeed())
			layers := g.Analyze()
			Expect(layers[0][0].Name).To(Equal("init"), s.WriteDAG(g))

			var names []string
			for _, layer := range layers {
				Expect(layer).To(HaveLen(1), s.WriteDAG(g))
				names = append(names, layer[0].Name)
			}
			order := []string{
				constants.OpReportPostFsData, constants.OpSafeMode, constants.OpSafetyFlag,
				constants.OpCheckMagisk, constants.OpCommonPostFsData, constants.OpMountImage,
				constants.OpModuleMounted, constants.OpPrune, constants.OpSepolicy, constants.OpMountTmpfs,
				constants.OpPostFsData, constants.OpSystemProp, constants.OpMountModules,
				constants.OpPostMount, constants.OpWriteFstab,
			}
			for i := 1; i < len(order); i++ {
				Expect(indexOf(names, order[i-1])).To(BeNumerically("<", indexOf(names, order[i])), s.WriteDAG(g))
			}
		})

		It("mounts the image and the modules", func() {
			Expect(dag.RegisterPostFsData(s, g)).To(Succeed())
			Expect(g.Run(context.Background())).To(Succeed(), s.WriteDAG(g))

			Expect(drv.events).To(Equal([]driver.Event{driver.EventPostFsData, driver.EventModuleMounted}))
			Expect(s.SafeMode()).To(BeFalse())
			Expect(s.Safety.Exists()).To(BeTrue())
			Expect(images.mounts).To(Equal([]string{l.ModuleImage()}))

			alpha := filepath.Join(l.ModuleDir, "alpha")
			Expect(alpha).To(BeADirectory())
			Expect(filepath.Join(l.ModuleDir, "gone")).ToNot(BeAnExistingFile())

			Expect(scripts.dirs).To(Equal([]run{
				{script: l.StageDir(constants.StagePostFsData), wait: true},
				{script: l.StageDir(constants.StagePostMount), wait: true},
			}))
			Expect(scripts.scripts()).To(Equal([]string{
				filepath.Join(alpha, "post-fs-data.sh"),
				filepath.Join(alpha, "post-mount.sh"),
			}))
			Expect(scripts.runs[0].wait).To(BeTrue())
			Expect(scripts.runs[0].env).To(ContainElement("KSU_MODULE=alpha"))

			Expect(props.files).To(Equal([]string{filepath.Join(alpha, constants.SystemPropName)}))
			Expect(policy.files).To(Equal([]string{filepath.Join(alpha, constants.SepolicyRuleName)}))

			Expect(rec.Filter("tmpfs")).To(ContainElement(op.Call{Op: "tmpfs", Source: constants.MountSource, Target: l.TempDir}))
			Expect(rec.Filter("bind")).To(Equal([]op.Call{{
				Op:     "bind",
				Source: filepath.Join(alpha, "system", "etc", "hosts"),
				Target: filepath.Join(l.Root, "system", "etc", "hosts"),
			}}))

			fstab, err := os.ReadFile(s.FstabPath())
			Expect(err).ToNot(HaveOccurred())
			Expect(string(fstab)).To(ContainSubstring(l.ModuleImage()))
			Expect(string(fstab)).To(ContainSubstring(l.TempDir))
		})

		It("runs a pending update once", func() {
			touch(l.UpdateImage())
			touch(l.UpdateFlag())

			Expect(dag.RegisterPostFsData(s, g)).To(Succeed())
			Expect(g.Run(context.Background())).To(Succeed(), s.WriteDAG(g))

			Expect(images.mounts).To(Equal([]string{l.UpdateImage()}))
			Expect(l.UpdateFlag()).ToNot(BeAnExistingFile())
			Expect(l.ModuleImage()).To(BeAnExistingFile())
		})

		It("forces module managed features off", func() {
			Expect(feature.Save(vfs.OSFS, l.FeatureConfig(), feature.Config{feature.SuCompat: 1, feature.KernelUmount: 1})).To(Succeed())
			Expect(s.Registry.Configs.Set("alpha", modconfig.ManagePrefix+"su_compat", "true", modconfig.Persist)).To(Succeed())

			Expect(dag.RegisterPostFsData(s, g)).To(Succeed())
			Expect(g.Run(context.Background())).To(Succeed(), s.WriteDAG(g))

			Expect(drv.features).To(Equal(map[uint32]uint64{uint32(feature.SuCompat): 0, uint32(feature.KernelUmount): 1}))
		})

		It("boots degraded after an unfinished boot", func() {
			Expect(s.Safety.Create()).To(Succeed())

			Expect(dag.RegisterPostFsData(s, g)).To(Succeed())
			Expect(g.Run(context.Background())).To(Succeed(), s.WriteDAG(g))

			Expect(s.SafeMode()).To(BeTrue())
			Expect(drv.events).To(Equal([]driver.Event{driver.EventPostFsData, driver.EventModuleMounted}))
			Expect(filepath.Join(l.ModuleDir, "alpha", constants.DisableFileName)).To(BeAnExistingFile())
			Expect(filepath.Join(l.ModuleDir, "gone")).To(BeADirectory())
			Expect(scripts.runs).To(BeEmpty())
			Expect(scripts.dirs).To(BeEmpty())
			Expect(rec.Calls).To(BeEmpty())
			Expect(s.Safety.Exists()).To(BeTrue())
		})

		It("leaves kernel features alone in safe mode", func() {
			Expect(feature.Save(vfs.OSFS, l.FeatureConfig(), feature.Config{feature.SuCompat: 1, feature.KernelUmount: 0})).To(Succeed())
			Expect(s.Safety.Create()).To(Succeed())

			Expect(dag.RegisterPostFsData(s, g)).To(Succeed())
			Expect(g.Run(context.Background())).To(Succeed(), s.WriteDAG(g))

			Expect(s.SafeMode()).To(BeTrue())
			Expect(drv.features).To(BeEmpty())
		})

		It("boots degraded when the kernel asks for it", func() {
			drv.safemode = true

			Expect(dag.RegisterPostFsData(s, g)).To(Succeed())
			Expect(g.Run(context.Background())).To(Succeed(), s.WriteDAG(g))

			Expect(s.SafeMode()).To(BeTrue())
			Expect(scripts.runs).To(BeEmpty())
		})

		It("stays out of the way of magisk", func() {
			magisk = true

			Expect(dag.RegisterPostFsData(s, g)).To(Succeed())
			_ = g.Run(context.Background())

			Expect(drv.events).To(Equal([]driver.Event{driver.EventPostFsData}))
			Expect(images.mounts).To(BeEmpty())
			Expect(scripts.dirs).To(BeEmpty())
			Expect(rec.Calls).To(BeEmpty())
		})

		It("skips the module steps without an image", func() {
			Expect(os.Remove(l.ModuleImage())).To(Succeed())

			Expect(dag.RegisterPostFsData(s, g)).To(Succeed())
			_ = g.Run(context.Background())

			Expect(drv.events).To(Equal([]driver.Event{driver.EventPostFsData}))
			Expect(scripts.dirs).To(ContainElement(run{script: l.StageDir(constants.StagePostFsData), wait: true}))
			Expect(scripts.runs).To(BeEmpty())
			Expect(rec.Filter("bind")).To(BeEmpty())
		})

		It("refuses an image dir that is already mounted", func() {
			s.Mounted = func(string) (bool, error) { return true, nil }

			Expect(dag.RegisterPostFsData(s, g)).To(Succeed())
			_ = g.Run(context.Background())

			Expect(images.mounts).To(BeEmpty())
			Expect(drv.events).To(Equal([]driver.Event{driver.EventPostFsData}))
		})
	})

	Context("with modules already mounted", func() {
		BeforeEach(func() {
			seed(l.ModuleDir)
		})

		It("spawns service scripts without waiting", func() {
			Expect(dag.RegisterService(s, g)).To(Succeed())
			Expect(g.Run(context.Background())).To(Succeed(), s.WriteDAG(g))

			Expect(scripts.dirs).To(Equal([]run{{script: l.StageDir(constants.StageService), wait: false}}))
			Expect(scripts.scripts()).To(Equal([]string{filepath.Join(l.ModuleDir, "alpha", "service.sh")}))
			Expect(scripts.runs[0].wait).To(BeFalse())
			Expect(drv.events).To(BeEmpty())
		})

		It("promotes the image and clears the safety flag at boot-completed", func() {
			Expect(s.Safety.Create()).To(Succeed())
			touch(l.UpdateImage())

			Expect(dag.RegisterBootCompleted(s, g)).To(Succeed())
			Expect(g.Run(context.Background())).To(Succeed(), s.WriteDAG(g))

			Expect(s.Safety.Exists()).To(BeFalse())
			Expect(l.UpdateImage()).ToNot(BeAnExistingFile())
			Expect(l.ModuleImage()).To(BeAnExistingFile())
			Expect(scripts.scripts()).To(Equal([]string{filepath.Join(l.ModuleDir, "alpha", "boot-completed.sh")}))
			Expect(drv.events).To(Equal([]driver.Event{driver.EventBootCompleted}))
		})

		It("keeps an update flagged after post-fs-data pending", func() {
			touch(l.UpdateImage())
			touch(l.UpdateFlag())

			Expect(dag.RegisterBootCompleted(s, g)).To(Succeed())
			Expect(g.Run(context.Background())).To(Succeed(), s.WriteDAG(g))

			Expect(l.UpdateImage()).To(BeAnExistingFile())
			Expect(l.ModuleImage()).ToNot(BeAnExistingFile())
		})

		It("runs the metamodule stage script once, ahead of the others", func() {
			meta := filepath.Join(l.ModuleDir, "meta")
			writeProp(meta, "meta")
			Expect(os.WriteFile(filepath.Join(meta, constants.ModuleProp), []byte("id=meta\nmetamodule=1\n"), 0o644)).To(Succeed())
			touch(meta, "service.sh")

			Expect(dag.RegisterService(s, g)).To(Succeed())
			Expect(g.Run(context.Background())).To(Succeed(), s.WriteDAG(g))

			Expect(scripts.scripts()).To(Equal([]string{
				filepath.Join(meta, "service.sh"),
				filepath.Join(l.ModuleDir, "alpha", "service.sh"),
			}))
		})
	})
})
